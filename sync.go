package fmchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Updates
// ============================================================================

// ConnectionStatus is the user-visible connection indicator.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// UpdateKind names what changed in the Controller state.
type UpdateKind string

const (
	UpdateStatus    UpdateKind = "status"
	UpdateDirectory UpdateKind = "directory"
	UpdateThread    UpdateKind = "thread"
	UpdatePresence  UpdateKind = "presence"
	UpdateNotice    UpdateKind = "notice"
)

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a transient user-facing message.
type Notice struct {
	Level NoticeLevel
	Text  string
	Ref   ThreadRef
	Err   error
}

// Update is delivered to observers registered with Controller.On.
type Update struct {
	Kind   UpdateKind
	Status ConnectionStatus
	Ref    ThreadRef
	Notice *Notice
}

type UpdateHandler func(Update)

type updateEmitter struct {
	mu        sync.RWMutex
	listeners map[UpdateKind][]UpdateHandler
	log       Logger
}

func (e *updateEmitter) on(kind UpdateKind, h UpdateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], h)
}

func (e *updateEmitter) emit(u Update) {
	e.mu.RLock()
	handlers := e.listeners[u.Kind]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.log.Error(context.Background(), "update listener panicked", "kind", u.Kind, "panic", p)
				}
			}()
			h(u)
		}()
	}
}

func (e *updateEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[UpdateKind][]UpdateHandler)
}

// seenSet remembers the most recent message ids, oldest evicted first.
type seenSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

// add reports whether id was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

// ============================================================================
// Controller
// ============================================================================

type ControllerOption func(*Controller)

func WithControllerLogger(l Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// WithFocus reports whether the application has input focus. Read receipts
// for live messages are only sent while it returns true.
func WithFocus(focus func() bool) ControllerOption {
	return func(c *Controller) { c.focus = focus }
}

func WithAttachmentPolicy(p AttachmentPolicy) ControllerOption {
	return func(c *Controller) { c.policy = p }
}

// WithSeenWindow sets how many recent message ids are kept for deduplication.
func WithSeenWindow(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.seenWindow = n
		}
	}
}

const defaultSeenWindow = 512

// Controller keeps the Directory, the open thread and the presence set
// consistent with user actions and real-time events. It owns all three.
type Controller struct {
	backend    Backend
	channel    Channel
	log        Logger
	focus      func() bool
	policy     AttachmentPolicy
	seenWindow int

	emitter  *updateEmitter
	dir      *Directory
	thread   *ThreadCache
	presence *PresenceSet

	mu          sync.Mutex
	userID      string
	status      ConnectionStatus
	gen         uint64
	initialized bool
	disposed    bool
	removers    []func()
	inflight    map[ThreadRef]bool
	openSeq     uint64
	seen        *seenSet
}

func NewController(backend Backend, channel Channel, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend:    backend,
		channel:    channel,
		log:        NopLogger{},
		focus:      func() bool { return true },
		policy:     DefaultAttachmentPolicy,
		seenWindow: defaultSeenWindow,
		dir:        NewDirectory(),
		thread:     NewThreadCache(),
		presence:   NewPresenceSet(),
		status:     StatusConnecting,
		inflight:   make(map[ThreadRef]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "sync")
	c.emitter = &updateEmitter{listeners: make(map[UpdateKind][]UpdateHandler), log: c.log}
	c.seen = newSeenSet(c.seenWindow)
	return c
}

// On registers an observer for one kind of update.
func (c *Controller) On(kind UpdateKind, h UpdateHandler) {
	c.emitter.on(kind, h)
}

func (c *Controller) alive(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disposed && c.gen == gen
}

func (c *Controller) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Initialize binds the controller to userID. Channel handlers are registered
// before the channel connects; the connection is then established in the
// background while conversations and groups load concurrently. The returned
// error only reports the directory load.
func (c *Controller) Initialize(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.userID = userID
	c.status = StatusConnecting
	gen := c.gen
	c.mu.Unlock()

	c.log.Info(ctx, "initializing", "user_id", userID)
	c.registerHandlers(gen)
	c.emitter.emit(Update{Kind: UpdateStatus, Status: StatusConnecting})

	connectCtx := context.WithoutCancel(ctx)
	go func() {
		if !c.alive(gen) {
			return
		}
		if err := c.channel.Connect(connectCtx); err != nil {
			c.log.Warn(connectCtx, "initial connect failed", "error", err)
		}
		if !c.alive(gen) {
			// Torn down while connecting.
			_ = c.channel.Disconnect()
		}
	}()

	return c.loadDirectory(ctx, gen)
}

func (c *Controller) registerHandlers(gen uint64) {
	handlers := map[string]EventHandler{
		EventConnect: func(json.RawMessage) {
			if c.setStatus(gen, StatusConnected) {
				c.joinGroups(gen)
			}
		},
		EventDisconnect: func(json.RawMessage) {
			c.setStatus(gen, StatusDisconnected)
		},
		EventConnectError: func(p json.RawMessage) {
			c.log.Warn(context.Background(), "channel connect error", "detail", payloadText(p))
			c.setStatus(gen, StatusError)
		},
		EventReconnecting: func(json.RawMessage) {
			c.setStatus(gen, StatusConnecting)
		},
		EventOnlineUsers: func(p json.RawMessage) {
			ids, err := decodeIDs(p)
			if err != nil {
				c.log.Warn(context.Background(), "dropping presence snapshot", "error", err)
				return
			}
			c.handlePresence(gen, ids)
		},
		EventReceiveMessage: func(p json.RawMessage) {
			c.receive(gen, p)
		},
		EventReceiveGroupMessage: func(p json.RawMessage) {
			c.receive(gen, p)
		},
		EventError: func(p json.RawMessage) {
			if !c.alive(gen) {
				return
			}
			detail := payloadText(p)
			c.log.Warn(context.Background(), "channel error", "detail", detail)
			c.notify(Notice{Level: NoticeError, Text: "Chat error: " + detail})
		},
	}

	removers := make([]func(), 0, len(handlers))
	for event, h := range handlers {
		removers = append(removers, c.channel.On(event, h))
	}

	c.mu.Lock()
	c.removers = append(c.removers, removers...)
	c.mu.Unlock()
}

// setStatus reports whether the status changed.
func (c *Controller) setStatus(gen uint64, s ConnectionStatus) bool {
	c.mu.Lock()
	if c.disposed || c.gen != gen || c.status == s {
		c.mu.Unlock()
		return false
	}
	c.status = s
	c.mu.Unlock()

	c.log.Debug(context.Background(), "connection status", "status", s)
	c.emitter.emit(Update{Kind: UpdateStatus, Status: s})
	return true
}

func (c *Controller) joinGroups(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range c.dir.GroupIDs() {
		if !c.alive(gen) {
			return
		}
		if err := c.channel.Emit(ctx, EventJoinGroup, id); err != nil {
			c.log.Warn(ctx, "join group failed", "group_id", id, "error", err)
		}
	}
}

func (c *Controller) receive(gen uint64, p json.RawMessage) {
	msg, err := DecodeMessage(p)
	if err != nil {
		c.log.Warn(context.Background(), "dropping undecodable message", "error", err)
		return
	}
	c.handleIncoming(gen, msg)
}

// Refresh reloads conversations and groups and merges them into the directory.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	gen := c.gen
	c.mu.Unlock()
	return c.loadDirectory(ctx, gen)
}

// loadDirectory fetches both lists independently; whichever succeeds is
// merged even when the other fails.
func (c *Controller) loadDirectory(ctx context.Context, gen uint64) error {
	userID := c.UserID()

	var (
		g      errgroup.Group
		convs  []Conversation
		groups []Group
		errs   [2]error
	)
	g.Go(func() error {
		convs, errs[0] = c.backend.ListConversations(ctx, userID)
		return errs[0]
	})
	g.Go(func() error {
		groups, errs[1] = c.backend.ListGroups(ctx)
		return errs[1]
	})
	err := g.Wait()

	if !c.alive(gen) {
		return nil
	}

	entries := make([]Entry, 0, len(convs)+len(groups))
	for _, conv := range convs {
		entries = append(entries, ConversationEntry(conv))
	}
	for _, grp := range groups {
		entries = append(entries, GroupEntry(grp))
	}
	c.dir.Merge(entries)
	c.emitter.emit(Update{Kind: UpdateDirectory})

	if err != nil {
		c.log.Warn(ctx, "directory load failed", "conversations_error", errs[0], "groups_error", errs[1])
		c.notify(Notice{Level: NoticeError, Text: "Could not load conversations", Err: err})
		return fmt.Errorf("load directory: %w", errors.Join(errs[0], errs[1]))
	}
	c.log.Info(ctx, "directory loaded", "conversations", len(convs), "groups", len(groups))

	if len(groups) > 0 && c.Status() == StatusConnected {
		c.joinGroups(gen)
	}
	return nil
}

// OpenThread makes ref the single active thread. The previous thread's
// messages are discarded. When the thread had unread messages, they are
// cleared locally and, for direct threads, acknowledged with one read
// receipt. History is then fetched and replaces the cache.
func (c *Controller) OpenThread(ctx context.Context, ref ThreadRef) error {
	if ref.IsZero() {
		return ErrNoActiveThread
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.openSeq++
	seq := c.openSeq
	gen := c.gen
	connected := c.status == StatusConnected
	c.thread.Reset(ref)
	c.mu.Unlock()

	c.log.Debug(ctx, "opening thread", "thread", ref)
	c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})

	if prev := c.dir.ClearUnread(ref); prev > 0 {
		c.emitter.emit(Update{Kind: UpdateDirectory, Ref: ref})
		if ref.Kind == KindDirect {
			if err := c.backend.MarkConversationRead(ctx, ref.ID); err != nil {
				c.log.Warn(ctx, "read receipt failed", "thread", ref, "error", err)
			}
		}
	}

	if ref.Kind == KindGroup && connected {
		if err := c.channel.Emit(ctx, EventJoinGroup, ref.ID); err != nil {
			c.log.Warn(ctx, "join group failed", "group_id", ref.ID, "error", err)
		}
	}

	var (
		history []*Message
		err     error
	)
	if ref.Kind == KindGroup {
		history, err = c.backend.GroupMessages(ctx, ref.ID)
	} else {
		history, err = c.backend.ConversationMessages(ctx, ref.ID)
	}

	c.mu.Lock()
	if c.disposed || c.gen != gen || c.openSeq != seq {
		// Another thread was opened meanwhile.
		c.mu.Unlock()
		return nil
	}
	if err == nil {
		c.thread.Replace(history)
		for _, m := range history {
			c.seen.add(m.ID)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.notify(Notice{Level: NoticeError, Text: "Could not load messages", Ref: ref, Err: err})
		return fmt.Errorf("load history for %s: %w", ref, err)
	}
	c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})
	return nil
}

// Send posts text and an optional attachment to the active thread.
//
// Input is checked before any network call. The attachment is uploaded
// first; a pending entry is then added to the thread, the message persisted
// through REST, and the pending entry confirmed with the server message.
// Finally the server message is emitted on the channel for the other
// participants. Sends to one thread never overlap.
func (c *Controller) Send(ctx context.Context, text string, att *Attachment) (*Message, error) {
	if strings.TrimSpace(text) == "" && att == nil {
		return nil, ErrEmptyMessage
	}
	if att != nil {
		if err := c.policy.Check(att); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	ref := c.thread.Ref()
	switch {
	case ref.IsZero():
		c.mu.Unlock()
		return nil, ErrNoActiveThread
	case c.status != StatusConnected:
		c.mu.Unlock()
		return nil, ErrNotConnected
	case c.inflight[ref]:
		c.mu.Unlock()
		return nil, ErrSendInFlight
	}
	c.inflight[ref] = true
	gen := c.gen
	userID := c.userID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, ref)
		c.mu.Unlock()
	}()

	out := &OutgoingMessage{SenderID: userID}
	if ref.Kind == KindGroup {
		out.GroupID = ref.ID
	} else {
		out.ConversationID = ref.ID
	}
	if strings.TrimSpace(text) != "" {
		out.Content = &text
	}

	if att != nil {
		res, err := c.backend.Upload(ctx, att)
		if err != nil {
			c.notify(Notice{Level: NoticeError, Text: "Could not upload " + att.FileName, Ref: ref, Err: err})
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
		fileURL := res.URL
		out.FileURL = &fileURL
	}

	pending := &Message{
		ClientID:       uuid.NewString(),
		ConversationID: out.ConversationID,
		GroupID:        out.GroupID,
		SenderID:       userID,
		Content:        out.Content,
		FileURL:        out.FileURL,
		CreatedAt:      time.Now().UTC(),
	}
	if c.thread.AddPending(pending) {
		c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})
	}

	msg, err := c.backend.SendMessage(ctx, out)
	if err != nil {
		if c.thread.Discard(pending.ClientID) {
			c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})
		}
		c.log.Warn(ctx, "send failed", "thread", ref, "error", err)
		c.notify(Notice{Level: NoticeError, Text: "Message not sent", Ref: ref, Err: err})
		return nil, fmt.Errorf("send message: %w", err)
	}
	if !c.alive(gen) {
		return msg, nil
	}

	c.mu.Lock()
	c.seen.add(msg.ID)
	c.mu.Unlock()

	c.thread.Confirm(pending.ClientID, msg)
	c.dir.Touch(ref, msg.Preview(), recencyOf(msg))
	c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: ref})

	event := EventSendMessage
	if ref.Kind == KindGroup {
		event = EventSendGroupMessage
	}
	if err := c.channel.Emit(ctx, event, msg); err != nil {
		// Persisted already; peers pick it up on their next load.
		c.log.Warn(ctx, "fan-out emit failed", "thread", ref, "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// HandleIncoming applies a message delivered by the channel. Delivery is at
// least once; duplicates are absorbed by message id.
func (c *Controller) HandleIncoming(msg *Message) {
	c.handleIncoming(c.currentGen(), msg)
}

func (c *Controller) handleIncoming(gen uint64, msg *Message) {
	if err := ValidateMessage(msg); err != nil {
		c.log.Warn(context.Background(), "dropping invalid message", "error", err)
		return
	}

	c.mu.Lock()
	if c.disposed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	fresh := c.seen.add(msg.ID)
	c.mu.Unlock()

	ref := msg.Thread()
	fromSelf := msg.SenderID == userID

	// Append only accepts messages of the thread open at that instant.
	appended := c.thread.Append(msg)
	if appended {
		if !fromSelf && ref.Kind == KindDirect && c.focus() {
			c.thread.MarkRead(userID, time.Now().UTC())
			go c.acknowledge(ref.ID)
		}
		c.emitter.emit(Update{Kind: UpdateThread, Ref: ref})
	}

	c.dir.Touch(ref, msg.Preview(), recencyOf(msg))

	if !appended && fresh && !fromSelf && c.thread.Ref() != ref {
		c.dir.IncrementUnread(ref)
		c.notify(Notice{Level: NoticeInfo, Text: "New message from " + c.senderName(msg, ref), Ref: ref})
	}
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: ref})
}

func (c *Controller) acknowledge(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.backend.MarkConversationRead(ctx, conversationID); err != nil {
		c.log.Warn(ctx, "read receipt failed", "conversation_id", conversationID, "error", err)
	}
}

func (c *Controller) senderName(msg *Message, ref ThreadRef) string {
	if msg.Sender != nil && (msg.Sender.Name != "" || msg.Sender.Email != "") {
		return msg.Sender.DisplayName()
	}
	if e, ok := c.dir.Get(ref); ok {
		if ref.Kind == KindDirect && e.Peer != nil {
			return e.Peer.DisplayName()
		}
		return e.Title
	}
	return (*User)(nil).DisplayName()
}

func recencyOf(m *Message) time.Time {
	if m.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return m.CreatedAt
}

// HandlePresence replaces the presence set with a new snapshot.
func (c *Controller) HandlePresence(ids []string) {
	c.handlePresence(c.currentGen(), ids)
}

func (c *Controller) handlePresence(gen uint64, ids []string) {
	if !c.alive(gen) {
		return
	}
	c.presence.Replace(ids)
	c.emitter.emit(Update{Kind: UpdatePresence})
}

// Teardown removes channel handlers and closes the channel. Late callbacks
// are ignored afterwards. It is idempotent and safe without Initialize.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.gen++
	removers := c.removers
	c.removers = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if err := c.channel.Disconnect(); err != nil {
		c.log.Warn(context.Background(), "channel disconnect failed", "error", err)
	}
	c.emitter.emit(Update{Kind: UpdateStatus, Status: StatusDisconnected})
	c.emitter.removeAll()
}

func (c *Controller) notify(n Notice) {
	c.emitter.emit(Update{Kind: UpdateNotice, Ref: n.Ref, Notice: &n})
}

// ============================================================================
// Directory management
// ============================================================================

// StartConversation gets or creates the conversation with otherUserID and opens it.
func (c *Controller) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	conv, err := c.backend.GetOrCreateConversation(ctx, c.UserID(), otherUserID)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	c.dir.Merge([]Entry{ConversationEntry(*conv)})
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: DirectRef(conv.ID)})
	return conv, c.OpenThread(ctx, DirectRef(conv.ID))
}

// CreateGroup creates a group, adds it to the directory and joins its room.
func (c *Controller) CreateGroup(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	if err := validateCreateGroup(opts); err != nil {
		return nil, err
	}
	g, err := c.backend.CreateGroup(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	c.dir.Merge([]Entry{GroupEntry(*g)})
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: GroupRef(g.ID)})
	if c.Status() == StatusConnected {
		if err := c.channel.Emit(ctx, EventJoinGroup, g.ID); err != nil {
			c.log.Warn(ctx, "join group failed", "group_id", g.ID, "error", err)
		}
	}
	return g, nil
}

func (c *Controller) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	if err := c.backend.AddGroupMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	c.adjustMemberCount(GroupRef(groupID), 1)
	return nil
}

// RemoveGroupMember removes userID from the group. Removing the local user
// drops the group from the directory and closes it if it was open.
func (c *Controller) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	if err := c.backend.RemoveGroupMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	ref := GroupRef(groupID)
	if userID != c.UserID() {
		c.adjustMemberCount(ref, -1)
		return nil
	}

	c.dir.Remove(ref)
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: ref})

	c.mu.Lock()
	closed := c.thread.Ref() == ref
	if closed {
		c.openSeq++
		c.thread.Reset(ThreadRef{})
	}
	c.mu.Unlock()
	if closed {
		c.emitter.emit(Update{Kind: UpdateThread})
	}
	return nil
}

func (c *Controller) adjustMemberCount(ref ThreadRef, delta int) {
	e, ok := c.dir.Get(ref)
	if !ok || e.Group == nil {
		return
	}
	g := *e.Group
	g.MemberCount = max(g.MemberCount+delta, 0)
	e.Group = &g
	c.dir.Upsert(e)
	c.emitter.emit(Update{Kind: UpdateDirectory, Ref: ref})
}

// Users lists potential chat partners, excluding the local user.
func (c *Controller) Users(ctx context.Context) ([]User, error) {
	users, err := c.backend.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	self := c.UserID()
	out := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return out, nil
}

// ============================================================================
// Accessors
// ============================================================================

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Controller) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Controller) ActiveThread() ThreadRef { return c.thread.Ref() }

func (c *Controller) Messages() []Message { return c.thread.Messages() }

func (c *Controller) Conversations() []Entry { return c.dir.Conversations() }

func (c *Controller) Groups() []Entry { return c.dir.Groups() }

func (c *Controller) TotalUnread() int { return c.dir.TotalUnread() }

func (c *Controller) OnlineUsers() []string { return c.presence.List() }

func (c *Controller) IsOnline(userID string) bool { return c.presence.IsOnline(userID) }

// ============================================================================
// Payload helpers
// ============================================================================

// decodeIDs accepts a list of ids or a list of user objects.
func decodeIDs(p json.RawMessage) ([]string, error) {
	if len(p) == 0 || string(p) == "null" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(p, &ids); err == nil {
		return ids, nil
	}
	var users []wireUser
	if err := json.Unmarshal(p, &users); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	ids = make([]string, 0, len(users))
	for i := range users {
		if u := users[i].toUser(); u.ID != "" {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// payloadText renders an error payload sent as a string or {message}.
func payloadText(p json.RawMessage) string {
	var s string
	if json.Unmarshal(p, &s) == nil && s != "" {
		return s
	}
	var ep ErrorPayload
	if json.Unmarshal(p, &ep) == nil && ep.Message != "" {
		return ep.Message
	}
	if len(p) == 0 {
		return "unknown error"
	}
	return string(p)
}
