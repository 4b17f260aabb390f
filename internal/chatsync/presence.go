package chatsync

import (
	"sort"
	"strings"
	"sync"
)

type PresenceObserver func(Presence)

// PresenceTracker keeps the latest known presence per user. An update older
// than the one already held is ignored.
type PresenceTracker struct {
	mu        sync.Mutex
	byUser    map[string]Presence
	observers []PresenceObserver
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{byUser: map[string]Presence{}}
}

func (p *PresenceTracker) Subscribe(fn PresenceObserver) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *PresenceTracker) Apply(update Presence) bool {
	update.UserID = strings.TrimSpace(update.UserID)
	if update.UserID == "" {
		return false
	}
	p.mu.Lock()
	current, ok := p.byUser[update.UserID]
	if ok && (update.LastSeenAt.Before(current.LastSeenAt) || current == update) {
		p.mu.Unlock()
		return false
	}
	p.byUser[update.UserID] = update
	observers := append([]PresenceObserver(nil), p.observers...)
	p.mu.Unlock()
	for _, fn := range observers {
		fn(update)
	}
	return true
}

func (p *PresenceTracker) Get(userID string) (Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.byUser[userID]
	return v, ok
}

func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, v := range p.byUser {
		if v.Online {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
