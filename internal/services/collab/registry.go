package collab

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory source of truth for presence: who is connected
// and which room they are in. Every other component mutates presence only
// through it. Nothing here survives a restart; clients must rejoin.
type Registry struct {
	mu            sync.RWMutex
	collaborators map[string]*Collaborator       // connID -> collaborator
	rooms         map[string]map[string]struct{} // graphID -> set of connIDs
	nextSeq       uint64
}

func NewRegistry() *Registry {
	return &Registry{
		collaborators: make(map[string]*Collaborator),
		rooms:         make(map[string]map[string]struct{}),
	}
}

// Add registers the collaborator and stamps its insertion sequence.
func (r *Registry) Add(c *Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	c.seq = r.nextSeq
	r.collaborators[c.ConnID] = c

	set, ok := r.rooms[c.GraphID]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[c.GraphID] = set
	}
	set[c.ConnID] = struct{}{}
}

// Remove deregisters the connection and reports how many members remain in
// its room. An empty room is dropped from the map entirely.
func (r *Registry) Remove(connID string) (c *Collaborator, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok = r.collaborators[connID]
	if !ok {
		return nil, 0, false
	}
	delete(r.collaborators, connID)

	if set, found := r.rooms[c.GraphID]; found {
		delete(set, connID)
		remaining = len(set)
		if remaining == 0 {
			delete(r.rooms, c.GraphID)
		}
	}
	return c, remaining, true
}

// Get returns the live record. Callers may only read fields fixed at join
// time (ids, name, color, sink); Cursor, SelectedEntity and LastActive
// change under the registry lock, so read those via Snapshot or ListForGraph.
func (r *Registry) Get(connID string) (*Collaborator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collaborators[connID]
	return c, ok
}

// Snapshot returns a copy of the connection's record, detached from any
// later presence mutation. Marshal this, never the live record.
func (r *Registry) Snapshot(connID string) (*Collaborator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collaborators[connID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// UpdateCursor moves the collaborator's cursor and refreshes activity.
func (r *Registry) UpdateCursor(connID string, x, y float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collaborators[connID]
	if !ok {
		return false
	}
	c.Cursor = &Cursor{X: x, Y: y}
	c.LastActive = time.Now().UTC()
	return true
}

// UpdateSelection records the highlighted entity (empty id clears it).
func (r *Registry) UpdateSelection(connID, entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collaborators[connID]
	if !ok {
		return false
	}
	c.SelectedEntity = entityID
	c.LastActive = time.Now().UTC()
	return true
}

// TouchActivity bumps the collaborator's last-active timestamp.
func (r *Registry) TouchActivity(connID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.collaborators[connID]; ok {
		c.LastActive = at
	}
}

// ListForGraph returns the room's members in deterministic promotion order:
// ascending insertion sequence, then user id. Entries are copies; callers
// may read or marshal them without holding any lock.
func (r *Registry) ListForGraph(graphID string) []*Collaborator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.rooms[graphID]
	if !ok {
		return nil
	}
	out := make([]*Collaborator, 0, len(set))
	for connID := range set {
		if c, found := r.collaborators[connID]; found {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].seq != out[j].seq {
			return out[i].seq < out[j].seq
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Registry) CountForGraph(graphID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[graphID])
}

// FindUser returns a copy of the user's collaborator record in any room, if
// the user is connected at all. Used to route invitations to their target.
func (r *Registry) FindUser(userID string) (*Collaborator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Collaborator
	for _, c := range r.collaborators {
		if c.UserID != userID {
			continue
		}
		if best == nil || c.seq < best.seq {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// FindUserInGraph returns all of the user's connections inside one room.
func (r *Registry) FindUserInGraph(graphID, userID string) []*Collaborator {
	var out []*Collaborator
	for _, c := range r.ListForGraph(graphID) {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}
