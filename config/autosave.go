package config

import (
	"sync"
	"time"
)

// DefaultAutosaveIntervalSec is used when no schedule has been stored.
const DefaultAutosaveIntervalSec = 3600

// Autosave persists the snapshot scheduler state: whether periodic
// snapshots run and how far apart.
type Autosave struct {
	mu   sync.Mutex
	path string
	doc  autosaveDoc
}

type autosaveDoc struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
}

// OpenAutosave loads (or initializes) the schedule at path.
func OpenAutosave(path string) (*Autosave, error) {
	a := &Autosave{
		path: path,
		doc:  autosaveDoc{IntervalSec: DefaultAutosaveIntervalSec},
	}
	if err := loadJSON(path, &a.doc); err != nil {
		return nil, err
	}
	if a.doc.IntervalSec <= 0 {
		a.doc.IntervalSec = DefaultAutosaveIntervalSec
	}
	return a, nil
}

// Enabled reports whether periodic snapshots are on.
func (a *Autosave) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Enabled
}

// Interval returns the configured snapshot spacing.
func (a *Autosave) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(a.doc.IntervalSec) * time.Second
}

// Set stores the schedule and persists immediately.
func (a *Autosave) Set(enabled bool, interval time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Enabled = enabled
	if sec := int(interval / time.Second); sec > 0 {
		a.doc.IntervalSec = sec
	}
	return saveJSON(a.path, &a.doc)
}
