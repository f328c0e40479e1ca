// Package eventqueue is the cross-process handoff between workers: a JSON
// array file that one process appends to and another drains. The YouTube
// listener pushes progress events here and the Discord worker pops them on
// its own cadence; neither process needs the other to be alive.
//
// Writes are atomic (temp file + rename) but the queue is deliberately not
// a transactional log: concurrent writers are last-writer-wins, which is
// acceptable because every event type in it is a best-effort notification.
package eventqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event types pushed through the queue.
const (
	TypeMilestone  = "milestone"
	TypeBankruptcy = "bankruptcy"
	TypeLinked     = "account_linked"
	TypeStreamLive = "stream_live"
)

// Event is one queued notification.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is a file-backed event queue. The mutex serializes writers within
// one process; cross-process races resolve last-writer-wins.
type Queue struct {
	mu   sync.Mutex
	path string
}

// New returns a queue backed by the given file. The file is created on the
// first push.
func New(path string) *Queue {
	return &Queue{path: path}
}

func (q *Queue) load() ([]Event, error) {
	raw, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read queue %s", q.path)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		// A torn or corrupt queue file is dropped rather than wedging both
		// workers forever.
		return nil, nil
	}
	return events, nil
}

func (q *Queue) save(events []Event) error {
	if events == nil {
		events = []Event{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return errors.Wrap(err, "failed to marshal queue")
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create queue dir")
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write queue")
	}
	return errors.Wrap(os.Rename(tmp, q.path), "failed to replace queue")
}

// Push appends an event with the given type and payload.
func (q *Queue) Push(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	events, err := q.load()
	if err != nil {
		return err
	}
	events = append(events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
	return q.save(events)
}

// PopUpTo removes and returns at most n events, oldest first.
func (q *Queue) PopUpTo(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.load()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	if n > len(events) {
		n = len(events)
	}
	popped := events[:n]
	if err := q.save(events[n:]); err != nil {
		return nil, err
	}
	return popped, nil
}

// Len returns the number of queued events.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	events, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
