package fmchat

import (
	"sync"
	"time"
)

// ThreadCache holds the messages of the single open thread. Each message id
// appears at most once; pending entries are keyed by their client id until
// the server confirms them.
type ThreadCache struct {
	mu   sync.RWMutex
	ref  ThreadRef
	msgs []*Message
}

func NewThreadCache() *ThreadCache {
	return &ThreadCache{}
}

// Reset discards the current contents and makes ref the active thread.
func (t *ThreadCache) Reset(ref ThreadRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref = ref
	t.msgs = nil
}

func (t *ThreadCache) Ref() ThreadRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ref
}

// Replace installs the fetched history. Messages that reached the cache
// while the fetch was in flight and are missing from history are kept at
// the end.
func (t *ThreadCache) Replace(history []*Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make([]*Message, 0, len(history)+len(t.msgs))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m == nil || m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m)
	}
	for _, m := range t.msgs {
		if m.State == StatePending {
			next = append(next, m)
			continue
		}
		if _, ok := seen[m.ID]; !ok {
			seen[m.ID] = struct{}{}
			next = append(next, m)
		}
	}
	t.msgs = next
}

// Append adds msg unless it belongs to another thread or a message with the
// same id is already cached.
func (t *ThreadCache) Append(msg *Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Thread() != t.ref || t.indexOf(msg.ID) >= 0 {
		return false
	}
	t.msgs = append(t.msgs, msg)
	return true
}

// AddPending records an optimistic entry that has no server id yet. It
// reports false when msg belongs to another thread.
func (t *ThreadCache) AddPending(msg *Message) bool {
	if msg == nil || msg.ClientID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Thread() != t.ref {
		return false
	}
	msg.State = StatePending
	t.msgs = append(t.msgs, msg)
	return true
}

// Confirm swaps the pending entry for the server message. When the server
// message already arrived through the channel, the pending entry is dropped.
// It reports whether the server message is now cached.
func (t *ThreadCache) Confirm(clientID string, server *Message) bool {
	if server == nil || server.ID == "" {
		return false
	}
	server.State = StateConfirmed
	if server.ClientID == "" {
		server.ClientID = clientID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pi := t.pendingIndex(clientID)
	if t.indexOf(server.ID) >= 0 {
		if pi >= 0 {
			t.removeAt(pi)
		}
		return true
	}
	if pi < 0 {
		// The thread was switched or reset while the send was in flight.
		return false
	}
	t.msgs[pi] = server
	return true
}

// Discard removes a pending entry after a failed send.
func (t *ThreadCache) Discard(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.pendingIndex(clientID)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

// MarkRead stamps ReadAt on unread messages sent by others and returns how
// many changed.
func (t *ThreadCache) MarkRead(localUserID string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i, m := range t.msgs {
		if m.State == StatePending || m.SenderID == localUserID || m.ReadAt != nil {
			continue
		}
		cp := *m
		ts := at
		cp.ReadAt = &ts
		cp.normalizeMarkers()
		t.msgs[i] = &cp
		n++
	}
	return n
}

// Messages returns a copy of the cached list.
func (t *ThreadCache) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

func (t *ThreadCache) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

func (t *ThreadCache) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOf(id) >= 0
}

func (t *ThreadCache) indexOf(id string) int {
	for i, m := range t.msgs {
		if m.State != StatePending && m.ID == id {
			return i
		}
	}
	return -1
}

func (t *ThreadCache) pendingIndex(clientID string) int {
	for i, m := range t.msgs {
		if m.State == StatePending && m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (t *ThreadCache) removeAt(i int) {
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
}
