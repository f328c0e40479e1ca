package eventqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "events.json"))
}

func TestPushPopOrder(t *testing.T) {
	q := newTestQueue(t)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(TypeMilestone, map[string]string{"msg": msg}))
	}

	events, err := q.PopUpTo(2)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Equal(t, "first", payload["msg"])
	require.NotEmpty(t, events[0].ID)

	// Remaining event survives the pop.
	n, err := q.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err = q.PopUpTo(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Equal(t, "third", payload["msg"])
}

func TestPopEmpty(t *testing.T) {
	q := newTestQueue(t)
	events, err := q.PopUpTo(5)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCorruptFileDropsQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	q := New(path)
	events, err := q.PopUpTo(5)
	require.NoError(t, err)
	require.Empty(t, events)

	// The queue stays usable after the corruption.
	require.NoError(t, q.Push(TypeBankruptcy, map[string]any{"user_id": 1}))
	n, err := q.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
