package fmchat

import (
	"sort"
	"sync"
	"time"
)

// Entry is one row of the Directory: a conversation or a group with its
// preview and unread count.
type Entry struct {
	Ref           ThreadRef `json:"ref"`
	Title         string    `json:"title"`
	Peer          *User     `json:"peer,omitempty"`
	Group         *Group    `json:"group,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

// recency is the sort key: LastMessageAt, falling back to UpdatedAt.
func (e *Entry) recency() time.Time {
	if !e.LastMessageAt.IsZero() {
		return e.LastMessageAt
	}
	return e.UpdatedAt
}

// ConversationEntry builds a Directory entry from a REST conversation.
func ConversationEntry(c Conversation) Entry {
	return Entry{
		Ref:           DirectRef(c.ID),
		Title:         c.Participant.DisplayName(),
		Peer:          c.Participant,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UpdatedAt:     c.UpdatedAt,
		UnreadCount:   c.UnreadCount,
	}
}

// GroupEntry builds a Directory entry from a REST group.
func GroupEntry(g Group) Entry {
	gc := g
	return Entry{
		Ref:           GroupRef(g.ID),
		Title:         g.Name,
		Group:         &gc,
		LastMessage:   g.LastMessage,
		LastMessageAt: g.LastMessageAt,
		UpdatedAt:     g.UpdatedAt,
		UnreadCount:   g.UnreadCount,
	}
}

// Directory holds the conversations and groups of the signed-in user, each
// list kept sorted most recent first.
type Directory struct {
	mu     sync.RWMutex
	direct []*Entry
	groups []*Entry
}

func NewDirectory() *Directory {
	return &Directory{}
}

func (d *Directory) list(kind ThreadKind) *[]*Entry {
	if kind == KindGroup {
		return &d.groups
	}
	return &d.direct
}

func (d *Directory) find(ref ThreadRef) (*Entry, int) {
	for i, e := range *d.list(ref.Kind) {
		if e.Ref == ref {
			return e, i
		}
	}
	return nil, -1
}

// resort keeps ties in their previous relative order.
func resort(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].recency().After(entries[j].recency())
	})
}

// Merge folds a REST load into the directory without discarding what live
// events already created. The newer preview wins and unread keeps the maximum.
func (d *Directory) Merge(entries []Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	touched := map[ThreadKind]bool{}
	for i := range entries {
		in := entries[i]
		if in.Ref.IsZero() {
			continue
		}
		touched[in.Ref.Kind] = true
		cur, _ := d.find(in.Ref)
		if cur == nil {
			e := in
			list := d.list(in.Ref.Kind)
			*list = append(*list, &e)
			continue
		}
		mergeInto(cur, &in)
	}
	for kind := range touched {
		resort(*d.list(kind))
	}
}

func mergeInto(cur, in *Entry) {
	if in.Title != "" {
		cur.Title = in.Title
	}
	if in.Peer != nil {
		cur.Peer = in.Peer
	}
	if in.Group != nil {
		cur.Group = in.Group
	}
	if !in.LastMessageAt.Before(cur.LastMessageAt) && in.LastMessage != "" {
		cur.LastMessage = in.LastMessage
		cur.LastMessageAt = in.LastMessageAt
	}
	if in.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = in.UpdatedAt
	}
	cur.UnreadCount = max(cur.UnreadCount, in.UnreadCount)
}

// Upsert replaces an entry wholesale, or inserts it.
func (d *Directory) Upsert(e Entry) {
	if e.Ref.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.list(e.Ref.Kind)
	if cur, _ := d.find(e.Ref); cur != nil {
		*cur = e
	} else {
		*list = append(*list, &e)
	}
	resort(*list)
}

// Touch records a new message on ref. An unknown ref gets a placeholder
// entry that a later Merge fills in.
func (d *Directory) Touch(ref ThreadRef, preview string, at time.Time) {
	if ref.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.list(ref.Kind)
	cur, _ := d.find(ref)
	if cur == nil {
		cur = &Entry{Ref: ref, Title: placeholderTitle(ref.Kind)}
		*list = append(*list, cur)
	}
	// A late duplicate must not roll the preview back.
	if cur.LastMessageAt.IsZero() || !at.Before(cur.LastMessageAt) {
		cur.LastMessage = preview
		cur.LastMessageAt = at
	}
	if at.After(cur.UpdatedAt) {
		cur.UpdatedAt = at
	}
	resort(*list)
}

func placeholderTitle(kind ThreadKind) string {
	if kind == KindGroup {
		return "Untitled group"
	}
	return "Unknown user"
}

func (d *Directory) IncrementUnread(ref ThreadRef) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, _ := d.find(ref)
	if cur == nil {
		return 0
	}
	cur.UnreadCount++
	return cur.UnreadCount
}

// ClearUnread zeroes the unread count and returns the previous value.
func (d *Directory) ClearUnread(ref ThreadRef) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, _ := d.find(ref)
	if cur == nil {
		return 0
	}
	prev := cur.UnreadCount
	cur.UnreadCount = 0
	return prev
}

func (d *Directory) Remove(ref ThreadRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, i := d.find(ref)
	if i < 0 {
		return false
	}
	list := d.list(ref.Kind)
	*list = append((*list)[:i], (*list)[i+1:]...)
	return true
}

func (d *Directory) Get(ref ThreadRef) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cur, _ := d.find(ref)
	if cur == nil {
		return Entry{}, false
	}
	return *cur, true
}

func (d *Directory) Conversations() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyEntries(d.direct)
}

func (d *Directory) Groups() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyEntries(d.groups)
}

// GroupIDs lists the ids of all known groups.
func (d *Directory) GroupIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.groups))
	for _, e := range d.groups {
		ids = append(ids, e.Ref.ID)
	}
	return ids
}

func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.direct {
		n += e.UnreadCount
	}
	for _, e := range d.groups {
		n += e.UnreadCount
	}
	return n
}

func copyEntries(src []*Entry) []Entry {
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = *e
	}
	return out
}
