package config

import (
	"sync"
)

// Toggles tracks which services the operator enabled and which of those
// start automatically at boot. Both sets survive supervisor restarts.
type Toggles struct {
	mu   sync.Mutex
	path string
	doc  togglesDoc
}

type togglesDoc struct {
	Enabled map[string]bool `json:"enabled"`
	Autorun map[string]bool `json:"autorun"`
}

// OpenToggles loads (or initializes) the toggle file at path.
func OpenToggles(path string) (*Toggles, error) {
	t := &Toggles{
		path: path,
		doc: togglesDoc{
			Enabled: make(map[string]bool),
			Autorun: make(map[string]bool),
		},
	}
	if err := loadJSON(path, &t.doc); err != nil {
		return nil, err
	}
	if t.doc.Enabled == nil {
		t.doc.Enabled = make(map[string]bool)
	}
	if t.doc.Autorun == nil {
		t.doc.Autorun = make(map[string]bool)
	}
	return t, nil
}

// Enabled reports whether a service is enabled. Unknown services default to
// enabled so a fresh install starts everything the operator launches.
func (t *Toggles) Enabled(service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.doc.Enabled[service]
	if !ok {
		return true
	}
	return v
}

// SetEnabled flips a service toggle and persists immediately.
func (t *Toggles) SetEnabled(service string, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doc.Enabled[service] = enabled
	return saveJSON(t.path, &t.doc)
}

// Autorun reports whether a service starts at supervisor boot.
func (t *Toggles) Autorun(service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Autorun[service]
}

// SetAutorun flips a service's boot behavior and persists immediately.
func (t *Toggles) SetAutorun(service string, autorun bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doc.Autorun[service] = autorun
	return saveJSON(t.path, &t.doc)
}

// AutorunServices lists services marked for boot start.
func (t *Toggles) AutorunServices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var services []string
	for name, on := range t.doc.Autorun {
		if on {
			services = append(services, name)
		}
	}
	return services
}
