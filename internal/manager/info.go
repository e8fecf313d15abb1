package manager

import (
	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/registry"
)

// Info is a registry record projection without the connection handle.
type Info struct {
	ID          string
	Status      registry.Status
	Index       int
	Total       int
	PhoneNumber string
}

// SessionStatus pairs on-disk credential status with registry presence.
type SessionStatus struct {
	ID         string
	Credential credstore.Status
	Registered bool
	Status     registry.Status
}

// ShardInfo returns the record projection for one shard id.
func (m *Manager) ShardInfo(id string) (Info, bool) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return Info{}, false
	}
	return infoFromRecord(rec), true
}

// AllShardInfo returns projections for every registered shard, ordered by id.
func (m *Manager) AllShardInfo() []Info {
	records := m.registry.List()
	out := make([]Info, 0, len(records))
	for _, rec := range records {
		out = append(out, infoFromRecord(rec))
	}
	return out
}

// SessionInfo inspects the stored credential bundle and registry state for
// one shard id.
func (m *Manager) SessionInfo(id string) SessionStatus {
	out := SessionStatus{
		ID:         id,
		Credential: credstore.CheckStatus(m.sessionDir(id)),
	}
	if rec, ok := m.registry.Get(id); ok {
		out.Registered = true
		out.Status = rec.Status
	}
	return out
}

// CheckSessionStatus inspects an arbitrary session directory.
func (m *Manager) CheckSessionStatus(path string) credstore.Status {
	return credstore.CheckStatus(path)
}

func infoFromRecord(rec registry.Record) Info {
	return Info{
		ID:          rec.ID,
		Status:      rec.Status,
		Index:       rec.Index,
		Total:       rec.Total,
		PhoneNumber: rec.PhoneNumber,
	}
}
