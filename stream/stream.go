// Package stream tracks whether the watched channel is live. The last
// known state is cached in a single JSON file so a restarted watcher
// resumes without re-announcing a broadcast it already saw.
package stream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Broadcast is one active live broadcast as reported upstream.
type Broadcast struct {
	VideoID    string
	Title      string
	URL        string
	LiveChatID string
}

// Detector is the single upstream call the watcher needs.
type Detector interface {
	// ListActiveBroadcasts returns the currently live broadcasts of the
	// watched channel, possibly empty.
	ListActiveBroadcasts(ctx context.Context) ([]Broadcast, error)
}

// State is the persisted last-known stream state.
type State struct {
	IsLive           bool      `json:"is_live"`
	VideoID          string    `json:"video_id"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	LiveChatID       string    `json:"live_chat_id"`
	LastChecked      time.Time `json:"last_checked"`
	LastStatusChange time.Time `json:"last_status_change"`
}

// Watcher owns the state file and applies the transition rules.
type Watcher struct {
	mu    sync.Mutex
	path  string
	state State
}

// NewWatcher loads the cached state from path; a missing or unreadable
// file starts from the offline state.
func NewWatcher(path string) *Watcher {
	w := &Watcher{path: path}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &w.state)
	}
	return w
}

// State returns a copy of the last known state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) persist() error {
	raw, err := json.MarshalIndent(&w.state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal stream state")
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create state dir")
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write stream state")
	}
	return errors.Wrap(os.Rename(tmp, w.path), "failed to replace stream state")
}

// Detect performs one upstream call and advances the state machine.
//
//	offline + none   -> offline, unchanged
//	offline + live   -> live,    changed
//	live    + none   -> offline, changed
//	live    + same   -> live,    unchanged
//	live    + other  -> live,    changed (broadcast swap)
//
// changed=true is the trigger for downstream consumers: starting or
// stopping the chat listener, announcing the new broadcast.
func (w *Watcher) Detect(ctx context.Context, client Detector) (State, bool, error) {
	broadcasts, err := client.ListActiveBroadcasts(ctx)
	if err != nil {
		return w.State(), false, errors.Wrap(err, "stream detection failed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	prev := w.state
	w.state.LastChecked = now

	changed := false
	if len(broadcasts) == 0 {
		if prev.IsLive {
			changed = true
			w.state = State{LastChecked: now, LastStatusChange: now}
		}
	} else {
		b := broadcasts[0]
		if !prev.IsLive || prev.VideoID != b.VideoID {
			changed = true
			w.state = State{
				IsLive:           true,
				VideoID:          b.VideoID,
				Title:            b.Title,
				URL:              b.URL,
				LiveChatID:       b.LiveChatID,
				LastChecked:      now,
				LastStatusChange: now,
			}
		}
	}

	if err := w.persist(); err != nil {
		return w.state, changed, err
	}
	return w.state, changed, nil
}
