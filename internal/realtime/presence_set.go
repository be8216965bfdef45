package realtime

import (
	"sort"

	"github.com/prudhvinik1/mealstock/internal/models"
)

// presenceSet holds the current record per participant. A record only
// replaces another for the same user when its OnlineAt is not earlier.
type presenceSet struct {
	records map[string]models.PresenceRecord
}

func newPresenceSet() *presenceSet {
	return &presenceSet{records: make(map[string]models.PresenceRecord)}
}

func (p *presenceSet) join(records []models.PresenceRecord) {
	for _, r := range records {
		if r.UserID == "" {
			continue
		}
		cur, ok := p.records[r.UserID]
		if !ok || r.Supersedes(cur) {
			p.records[r.UserID] = r
		}
	}
}

func (p *presenceSet) leave(records []models.PresenceRecord) {
	for _, r := range records {
		cur, ok := p.records[r.UserID]
		if !ok {
			continue
		}
		// A stale leave must not remove a newer session of the same user
		if r.OnlineAt.IsZero() || !cur.OnlineAt.After(r.OnlineAt) {
			delete(p.records, r.UserID)
		}
	}
}

func (p *presenceSet) replace(state map[string][]models.PresenceRecord) {
	p.records = make(map[string]models.PresenceRecord, len(state))
	for key, records := range state {
		p.join(withKey(key, records))
	}
}

func (p *presenceSet) reset() {
	p.records = make(map[string]models.PresenceRecord)
}

func (p *presenceSet) list() []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// withKey fills in the user id from the presence key for records published
// without one.
func withKey(key string, records []models.PresenceRecord) []models.PresenceRecord {
	out := make([]models.PresenceRecord, len(records))
	for i, r := range records {
		if r.UserID == "" {
			r.UserID = key
		}
		out[i] = r
	}
	return out
}
