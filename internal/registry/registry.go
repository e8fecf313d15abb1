// Package registry owns the in-memory shard bookkeeping.
//
// Pure bookkeeping, no I/O: the lifecycle controller decides when records
// come and go. Put refuses to overwrite so the remove-before-replace
// discipline is enforced mechanically rather than by convention.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/shardctl/internal/protocol"
)

var (
	ErrShardExists    = errors.New("registry: shard already exists")
	ErrInvalidShardID = errors.New("registry: invalid shard id")
)

// Status is the lifecycle phase recorded for one shard.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusLoggedOut    Status = "logged_out"
	StatusStopped      Status = "stopped"
)

// Active reports whether the status represents a live or pending connection.
func (s Status) Active() bool {
	switch s {
	case StatusInitializing, StatusConnecting, StatusConnected:
		return true
	}
	return false
}

// Record is one shard's registry entry. Conn is exclusively owned by the
// registry while the record is present.
type Record struct {
	ID          string
	Conn        protocol.Conn
	Status      Status
	Index       int
	Total       int
	PhoneNumber string
	Generation  uint64
}

// Registry stores shard records by stable id.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Record
}

// NewRegistry creates an empty shard registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Record)}
}

// ValidateID checks shard id format: lowercase alphanumerics separated by
// single '.', '-', or '_' characters.
func ValidateID(id string) error {
	if !isValidID(strings.TrimSpace(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidShardID, id)
	}
	return nil
}

// Put inserts a record under rec.ID. An occupied id is an error; the caller
// must Remove (and close) the previous record first.
func (r *Registry) Put(rec Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrShardExists, rec.ID)
	}
	r.items[rec.ID] = rec
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.items[id]
	return rec, ok
}

// Remove deletes and returns the record for id.
func (r *Registry) Remove(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return rec, ok
}

// SetStatus updates the mutable status field for id.
func (r *Registry) SetStatus(id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[id]
	if !ok {
		return false
	}
	rec.Status = status
	r.items[id] = rec
	return true
}

// List returns a snapshot of all records ordered by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.items))
	for _, rec := range r.items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the current record count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
