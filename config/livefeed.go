package config

import (
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Livefeed is the IP whitelist guarding the livefeed web endpoints. An
// empty whitelist means open access; loopback is always allowed.
type Livefeed struct {
	mu   sync.Mutex
	path string
	doc  livefeedDoc
}

type livefeedDoc struct {
	Whitelist []string `json:"whitelist"`
}

// OpenLivefeed loads (or initializes) the whitelist at path.
func OpenLivefeed(path string) (*Livefeed, error) {
	l := &Livefeed{path: path}
	if err := loadJSON(path, &l.doc); err != nil {
		return nil, err
	}
	return l, nil
}

// Allowed reports whether a remote address (ip or ip:port) may access the
// livefeed.
func (l *Livefeed) Allowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.doc.Whitelist) == 0 {
		return true
	}
	for _, entry := range l.doc.Whitelist {
		if entry == host {
			return true
		}
	}
	return false
}

// Add appends an IP to the whitelist and persists immediately.
func (l *Livefeed) Add(ip string) error {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return errors.Errorf("invalid ip %q", ip)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.doc.Whitelist {
		if entry == ip {
			return nil
		}
	}
	l.doc.Whitelist = append(l.doc.Whitelist, ip)
	return saveJSON(l.path, &l.doc)
}

// Remove deletes an IP from the whitelist and persists immediately.
func (l *Livefeed) Remove(ip string) error {
	ip = strings.TrimSpace(ip)
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.doc.Whitelist[:0]
	for _, entry := range l.doc.Whitelist {
		if entry != ip {
			kept = append(kept, entry)
		}
	}
	l.doc.Whitelist = kept
	return saveJSON(l.path, &l.doc)
}

// List returns a copy of the whitelist.
func (l *Livefeed) List() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.doc.Whitelist))
	copy(out, l.doc.Whitelist)
	return out
}
