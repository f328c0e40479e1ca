package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Retention policy: the newest snapshots are always kept, plus one
// snapshot per calendar day over a trailing window.
const (
	retainRecent = 5
	retainDays   = 10
)

// ManifestEntry describes one snapshot on disk.
type ManifestEntry struct {
	File      string    `json:"file"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	MirrorOK  bool      `json:"mirror_ok"`
	MirrorErr string    `json:"mirror_err,omitempty"`
}

// Snapshots owns the snapshot directory and its manifest.
type Snapshots struct {
	mu       sync.Mutex
	dbPath   string
	dir      string
	manifest []ManifestEntry
}

// NewSnapshots loads (or initializes) the manifest for the snapshot
// directory next to the database.
func NewSnapshots(dbPath, dir string) (*Snapshots, error) {
	s := &Snapshots{dbPath: dbPath, dir: dir}
	raw, err := os.ReadFile(s.manifestPath())
	if err == nil {
		if jerr := json.Unmarshal(raw, &s.manifest); jerr != nil {
			s.manifest = nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to read snapshot manifest")
	}
	return s, nil
}

func (s *Snapshots) manifestPath() string {
	return filepath.Join(s.dir, "manifest.json")
}

func (s *Snapshots) saveManifest() error {
	raw, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal manifest")
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write manifest")
	}
	return errors.Wrap(os.Rename(tmp, s.manifestPath()), "failed to replace manifest")
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", dst)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, errors.Wrapf(err, "failed to copy %s", src)
	}
	return n, nil
}

// Create copies the database file into the snapshot directory and records
// a manifest entry. mirrorOK/mirrorErr report the mirror step's outcome;
// a failed mirror still yields a manifest entry and still runs retention.
func (s *Snapshots) Create(tag string, at time.Time, mirrorOK bool, mirrorErr string) (*ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot dir")
	}
	file := fmt.Sprintf("%s_%s.db", tag, at.UTC().Format("20060102T150405"))
	size, err := copyFile(s.dbPath, filepath.Join(s.dir, file))
	if err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		File:      file,
		Tag:       tag,
		CreatedAt: at.UTC(),
		SizeBytes: size,
		MirrorOK:  mirrorOK,
		MirrorErr: mirrorErr,
	}
	s.manifest = append(s.manifest, entry)
	s.applyRetentionLocked()
	if err := s.saveManifest(); err != nil {
		return &entry, err
	}
	return &entry, nil
}

// SetMirrorResult updates the newest manifest entry with the outcome of a
// mirror performed after the local copy.
func (s *Snapshots) SetMirrorResult(file string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.manifest {
		if s.manifest[i].File == file {
			s.manifest[i].MirrorOK = ok
			s.manifest[i].MirrorErr = errMsg
			return s.saveManifest()
		}
	}
	return errors.Errorf("snapshot %s not in manifest", file)
}

// keepSet computes which entries retention preserves: the retainRecent
// newest unconditionally, plus the newest snapshot of each calendar day
// for up to retainDays distinct days.
func keepSet(entries []ManifestEntry) map[string]bool {
	sorted := make([]ManifestEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	keep := make(map[string]bool)
	for i, e := range sorted {
		if i >= retainRecent {
			break
		}
		keep[e.File] = true
	}

	days := 0
	seenDay := make(map[string]bool)
	for _, e := range sorted {
		day := e.CreatedAt.UTC().Format("2006-01-02")
		if seenDay[day] {
			continue
		}
		seenDay[day] = true
		days++
		if days > retainDays {
			break
		}
		keep[e.File] = true
	}
	return keep
}

func (s *Snapshots) applyRetentionLocked() {
	keep := keepSet(s.manifest)
	kept := s.manifest[:0]
	for _, e := range s.manifest {
		if keep[e.File] {
			kept = append(kept, e)
			continue
		}
		// Deletion failures are non-fatal; the next retention pass retries.
		_ = os.Remove(filepath.Join(s.dir, e.File))
	}
	s.manifest = kept
}

// List returns manifest entries, newest first.
func (s *Snapshots) List() []ManifestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ManifestEntry, len(s.manifest))
	copy(out, s.manifest)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes one snapshot by its position in List order.
func (s *Snapshots) Delete(index int) error {
	entries := s.List()
	if index < 0 || index >= len(entries) {
		return errors.Errorf("no snapshot at index %d", index)
	}
	target := entries[index].File

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.manifest[:0]
	for _, e := range s.manifest {
		if e.File == target {
			if err := os.Remove(filepath.Join(s.dir, e.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return errors.Wrap(err, "failed to delete snapshot file")
			}
			continue
		}
		kept = append(kept, e)
	}
	s.manifest = kept
	return s.saveManifest()
}

// Restore copies the selected snapshot (List order) back over the live
// database file. The store must be closed or idle while this runs.
func (s *Snapshots) Restore(index int) (*ManifestEntry, error) {
	entries := s.List()
	if index < 0 || index >= len(entries) {
		return nil, errors.Errorf("no snapshot at index %d", index)
	}
	entry := entries[index]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := copyFile(filepath.Join(s.dir, entry.File), s.dbPath); err != nil {
		return nil, errors.Wrap(err, "restore failed")
	}
	return &entry, nil
}
