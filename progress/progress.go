// Package progress turns wallet balance changes into milestone and
// bankruptcy notifications. Announcement state is persisted per guild so a
// restart never re-announces a level already celebrated.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Levels are the balance thresholds announced once each, in ascending
// order.
var Levels = []float64{
	10, 50, 100, 200, 350, 500, 700, 1000, 1500, 2000,
	3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000,
	20000, 30000, 40000, 50000, 60000, 70000, 80000, 90000, 100000,
}

// BankruptcyThreshold is the balance at or under which a previously
// solvent wallet counts as bankrupt.
const BankruptcyThreshold = 0.99

// Kind discriminates notifications.
type Kind string

const (
	KindMilestone  Kind = "milestone"
	KindBankruptcy Kind = "bankruptcy"
)

// Notification is one announcement produced by Evaluate.
type Notification struct {
	Kind    Kind    `json:"kind"`
	UserID  int64   `json:"user_id"`
	GuildID string  `json:"guild_id"`
	Level   float64 `json:"level,omitempty"`
	Balance float64 `json:"balance"`
}

// Tracker evaluates balance transitions against the milestone ladder.
// Notifications are advisory: a lost one never corrupts balances, and a
// failed state write only risks a duplicate announcement.
type Tracker struct {
	mu      sync.Mutex
	dataDir string
	guilds  map[string]*guildState
}

type guildState struct {
	// Seen maps user id to the levels already announced.
	Seen map[string][]float64 `json:"milestones_seen"`
}

// NewTracker returns a tracker storing per-guild state files under dataDir.
func NewTracker(dataDir string) *Tracker {
	return &Tracker{
		dataDir: dataDir,
		guilds:  make(map[string]*guildState),
	}
}

func (t *Tracker) statePath(guildID string) string {
	return filepath.Join(t.dataDir, fmt.Sprintf("progress_%s.json", guildID))
}

func (t *Tracker) guild(guildID string) (*guildState, error) {
	if g, ok := t.guilds[guildID]; ok {
		return g, nil
	}
	g := &guildState{Seen: make(map[string][]float64)}
	raw, err := os.ReadFile(t.statePath(guildID))
	if err == nil {
		if jerr := json.Unmarshal(raw, g); jerr != nil || g.Seen == nil {
			g.Seen = make(map[string][]float64)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to read progress state")
	}
	t.guilds[guildID] = g
	return g, nil
}

func (t *Tracker) persist(guildID string, g *guildState) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress state")
	}
	if err := os.MkdirAll(t.dataDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create progress dir")
	}
	path := t.statePath(guildID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write progress state")
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to replace progress state")
}

// Evaluate inspects a balance transition and returns the notifications it
// produces: one per milestone level the new balance reaches for the first
// time, plus a bankruptcy notification when a solvent wallet drops to (or
// under) the threshold. Bankruptcy resets the user's announced set so the
// ladder can be climbed again.
func (t *Tracker) Evaluate(guildID string, userID int64, prevBalance, newBalance float64) ([]Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := t.guild(guildID)
	if err != nil {
		return nil, err
	}
	key := strconv.FormatInt(userID, 10)
	seen := make(map[float64]bool, len(g.Seen[key]))
	for _, level := range g.Seen[key] {
		seen[level] = true
	}

	var out []Notification
	dirty := false

	for _, level := range Levels {
		if newBalance >= level && !seen[level] {
			out = append(out, Notification{
				Kind:    KindMilestone,
				UserID:  userID,
				GuildID: guildID,
				Level:   level,
				Balance: newBalance,
			})
			seen[level] = true
			dirty = true
		}
	}

	if prevBalance > BankruptcyThreshold && newBalance <= BankruptcyThreshold {
		out = append(out, Notification{
			Kind:    KindBankruptcy,
			UserID:  userID,
			GuildID: guildID,
			Balance: newBalance,
		})
		if len(seen) > 0 {
			seen = map[float64]bool{}
			dirty = true
		}
	}

	if dirty {
		levels := make([]float64, 0, len(seen))
		for level := range seen {
			levels = append(levels, level)
		}
		sort.Float64s(levels)
		if len(levels) == 0 {
			delete(g.Seen, key)
		} else {
			g.Seen[key] = levels
		}
		if err := t.persist(guildID, g); err != nil {
			return out, err
		}
	}
	return out, nil
}
