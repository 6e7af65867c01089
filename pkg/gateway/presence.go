package gateway

import "sync"

// Presence maps users to their open connections on this gateway and back.
// A user may hold several connections at once.
type Presence struct {
	mu    sync.RWMutex
	conns map[int64]map[string]bool // user -> connection ids
	users map[string]int64          // connection id -> user
}

func NewPresence() *Presence {
	return &Presence{
		conns: make(map[int64]map[string]bool),
		users: make(map[string]int64),
	}
}

// Bind attaches connID to userID, releasing any previous binding of connID.
func (p *Presence) Bind(userID int64, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(connID)
	if p.conns[userID] == nil {
		p.conns[userID] = make(map[string]bool)
	}
	p.conns[userID][connID] = true
	p.users[connID] = userID
}

// Release detaches connID and reports the user it belonged to.
func (p *Presence) Release(connID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(connID)
}

func (p *Presence) releaseLocked(connID string) (int64, bool) {
	userID, ok := p.users[connID]
	if !ok {
		return 0, false
	}
	delete(p.users, connID)
	if conns, ok := p.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(p.conns, userID)
		}
	}
	return userID, true
}

func (p *Presence) UserOf(connID string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userID, ok := p.users[connID]
	return userID, ok
}

func (p *Presence) Online(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0
}

func (p *Presence) Connections(userID int64) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.conns[userID]))
	for id := range p.conns[userID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of users online.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
