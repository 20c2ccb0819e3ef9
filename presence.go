package fmchat

import (
	"sort"
	"sync"
)

// PresenceSet is the set of online user ids, replaced wholesale on every
// snapshot.
type PresenceSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{ids: map[string]struct{}{}}
}

// Replace swaps in a new snapshot. An empty snapshot clears the set.
func (p *PresenceSet) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.ids = next
	p.mu.Unlock()
}

func (p *PresenceSet) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

func (p *PresenceSet) List() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (p *PresenceSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids)
}
