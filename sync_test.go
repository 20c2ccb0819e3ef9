package fmchat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

// ============================================================================
// Fakes
// ============================================================================

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeChannel struct {
	mu                sync.Mutex
	next              int
	handlers          map[string]map[int]fmchat.EventHandler
	emits             []emitted
	connects          int
	disconnects       int
	handlersAtConnect int
	connectErr        error
	emitErr           error
	connectStarted    chan struct{}
	connectGate       chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: map[string]map[int]fmchat.EventHandler{}}
}

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectStarted != nil {
		close(f.connectStarted)
	}
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.handlersAtConnect = f.countLocked()
	return f.connectErr
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeChannel) On(event string, h fmchat.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	if f.handlers[event] == nil {
		f.handlers[event] = map[int]fmchat.EventHandler{}
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, payload: raw})
	return nil
}

func (f *fakeChannel) fire(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	f.mu.Lock()
	hs := make([]fmchat.EventHandler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeChannel) countLocked() int {
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked()
}

func (f *fakeChannel) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakeBackend struct {
	mu         sync.Mutex
	convs      []fmchat.Conversation
	groups     []fmchat.Group
	users      []fmchat.User
	history    map[string][]*fmchat.Message
	listErr    error
	sendErr    error
	uploadErr  error
	beforeList func()
	// shareUsers hands out b.users itself, like a caching backend would.
	shareUsers bool

	markRead    []string
	sent        []*fmchat.OutgoingMessage
	uploads     int
	removed     []string
	seq         int
	sendStarted chan struct{}
	sendGate    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: map[string][]*fmchat.Message{}}
}

func (b *fakeBackend) ListConversations(context.Context, string) ([]fmchat.Conversation, error) {
	if b.beforeList != nil {
		b.beforeList()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fmchat.Conversation(nil), b.convs...), b.listErr
}

func (b *fakeBackend) ListGroups(context.Context) ([]fmchat.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fmchat.Group(nil), b.groups...), nil
}

func (b *fakeBackend) ConversationMessages(_ context.Context, id string) ([]*fmchat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneMessages(b.history[id]), nil
}

func (b *fakeBackend) GroupMessages(_ context.Context, id string) ([]*fmchat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneMessages(b.history[id]), nil
}

func cloneMessages(in []*fmchat.Message) []*fmchat.Message {
	out := make([]*fmchat.Message, len(in))
	for i, m := range in {
		cp := *m
		out[i] = &cp
	}
	return out
}

func (b *fakeBackend) MarkConversationRead(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markRead = append(b.markRead, id)
	return nil
}

func (b *fakeBackend) SendMessage(_ context.Context, out *fmchat.OutgoingMessage) (*fmchat.Message, error) {
	if b.sendStarted != nil {
		b.sendStarted <- struct{}{}
	}
	if b.sendGate != nil {
		<-b.sendGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, out)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.seq++
	return &fmchat.Message{
		ID:             fmt.Sprintf("srv-%d", b.seq),
		ConversationID: out.ConversationID,
		GroupID:        out.GroupID,
		SenderID:       out.SenderID,
		Content:        out.Content,
		FileURL:        out.FileURL,
		CreatedAt:      at(23, b.seq),
		State:          fmchat.StateConfirmed,
	}, nil
}

func (b *fakeBackend) Upload(_ context.Context, a *fmchat.Attachment) (*fmchat.UploadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	return &fmchat.UploadResult{URL: "/uploads/" + a.FileName, FileName: a.FileName, MimeType: a.MimeType}, nil
}

func (b *fakeBackend) GetOrCreateConversation(_ context.Context, _, other string) (*fmchat.Conversation, error) {
	return &fmchat.Conversation{ID: "conv-" + other, Participant: &fmchat.User{ID: other, Name: "Peer " + other}}, nil
}

func (b *fakeBackend) CreateGroup(_ context.Context, opts *fmchat.CreateGroupOptions) (*fmchat.Group, error) {
	return &fmchat.Group{ID: "grp-new", Name: opts.Name, MemberCount: len(opts.MemberIDs) + 1, IsAdmin: true}, nil
}

func (b *fakeBackend) AddGroupMember(context.Context, string, string) error { return nil }

func (b *fakeBackend) RemoveGroupMember(_ context.Context, groupID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, groupID+"/"+userID)
	return nil
}

func (b *fakeBackend) ListUsers(context.Context) ([]fmchat.User, error) {
	if b.shareUsers {
		return b.users, nil
	}
	return append([]fmchat.User(nil), b.users...), nil
}

func (b *fakeBackend) markReadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.markRead)
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// ============================================================================
// Harness
// ============================================================================

const me = "me"

type harness struct {
	ctrl    *fmchat.Controller
	backend *fakeBackend
	channel *fakeChannel
	notices []fmchat.Notice
	mu      sync.Mutex
}

func newHarness(t *testing.T, setup func(b *fakeBackend), opts ...fmchat.ControllerOption) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend(), channel: newFakeChannel()}
	if setup != nil {
		setup(h.backend)
	}
	h.ctrl = fmchat.NewController(h.backend, h.channel, opts...)
	h.ctrl.On(fmchat.UpdateNotice, func(u fmchat.Update) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notices = append(h.notices, *u.Notice)
	})
	t.Cleanup(h.ctrl.Teardown)

	require.NoError(t, h.ctrl.Initialize(context.Background(), me))
	return h
}

func (h *harness) connect() {
	h.channel.fire(fmchat.EventConnect, nil)
}

func (h *harness) noticeCount(level fmchat.NoticeLevel) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, no := range h.notices {
		if no.Level == level {
			n++
		}
	}
	return n
}

func twoConversations(b *fakeBackend) {
	b.convs = []fmchat.Conversation{
		{ID: "c1", Participant: &fmchat.User{ID: "u1", Name: "Aina"}, LastMessage: "morning", LastMessageAt: at(9, 0), UnreadCount: 2},
		{ID: "c2", Participant: &fmchat.User{ID: "u2", Name: "Bako"}, LastMessage: "later", LastMessageAt: at(10, 0)},
	}
	b.history["c1"] = []*fmchat.Message{
		directMsg("1", "c1", "u1", at(8, 10)),
		directMsg("2", "c1", "u1", at(8, 20)),
	}
	b.history["c2"] = []*fmchat.Message{
		directMsg("10", "c2", "u2", at(9, 50)),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestInitializeRegistersHandlersBeforeConnecting(t *testing.T) {
	h := newHarness(t, twoConversations)

	require.Eventually(t, func() bool {
		h.channel.mu.Lock()
		defer h.channel.mu.Unlock()
		return h.channel.connects == 1
	}, time.Second, 5*time.Millisecond)

	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	require.Equal(t, 8, h.channel.handlersAtConnect)
}

func TestInitializeTwice(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.ctrl.Initialize(context.Background(), me), fmchat.ErrAlreadyInitialized)
}

func TestInitializeMergesEventsThatBeatTheLoad(t *testing.T) {
	b := newFakeBackend()
	twoConversations(b)
	b.convs[0].UnreadCount = 0
	ch := newFakeChannel()
	b.beforeList = func() {
		ch.fire(fmchat.EventReceiveMessage, directMsg("live", "c1", "u1", at(12, 0)))
	}
	ctrl := fmchat.NewController(b, ch)
	defer ctrl.Teardown()

	require.NoError(t, ctrl.Initialize(context.Background(), me))

	convs := ctrl.Conversations()
	require.Equal(t, []string{"c1", "c2"}, ids(convs))
	require.Equal(t, "msg live", convs[0].LastMessage)
	require.Equal(t, "Aina", convs[0].Title)
	require.Equal(t, 1, convs[0].UnreadCount)
}

func TestInitializeReportsLoadFailureButKeepsPartialDirectory(t *testing.T) {
	b := newFakeBackend()
	b.listErr = errors.New("boom")
	b.groups = []fmchat.Group{{ID: "g1", Name: "Mentors"}}
	ch := newFakeChannel()
	ctrl := fmchat.NewController(b, ch)
	defer ctrl.Teardown()

	err := ctrl.Initialize(context.Background(), me)
	require.Error(t, err)
	require.Len(t, ctrl.Groups(), 1)
}

func TestRefreshMergesNewEntries(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.Empty(t, h.ctrl.Groups())

	h.backend.mu.Lock()
	h.backend.groups = []fmchat.Group{{ID: "g1", Name: "Mentors", LastMessageAt: at(11, 0)}}
	h.backend.mu.Unlock()

	require.NoError(t, h.ctrl.Refresh(context.Background()))
	require.Equal(t, []string{"g1"}, ids(h.ctrl.Groups()))
	require.Len(t, h.ctrl.Conversations(), 2)

	h.ctrl.Teardown()
	require.ErrorIs(t, h.ctrl.Refresh(context.Background()), fmchat.ErrDisposed)
}

func TestConnectionStatusFollowsChannelLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	var seen []fmchat.ConnectionStatus
	h.ctrl.On(fmchat.UpdateStatus, func(u fmchat.Update) { seen = append(seen, u.Status) })

	require.Equal(t, fmchat.StatusConnecting, h.ctrl.Status())

	h.connect()
	require.Equal(t, fmchat.StatusConnected, h.ctrl.Status())

	h.channel.fire(fmchat.EventDisconnect, "transport close")
	require.Equal(t, fmchat.StatusDisconnected, h.ctrl.Status())

	h.channel.fire(fmchat.EventReconnecting, fmchat.ReconnectingPayload{Attempt: 1, DelayMS: 1000})
	require.Equal(t, fmchat.StatusConnecting, h.ctrl.Status())

	h.channel.fire(fmchat.EventConnectError, "refused")
	require.Equal(t, fmchat.StatusError, h.ctrl.Status())

	h.connect()
	require.Equal(t, []fmchat.ConnectionStatus{
		fmchat.StatusConnected,
		fmchat.StatusDisconnected,
		fmchat.StatusConnecting,
		fmchat.StatusError,
		fmchat.StatusConnected,
	}, seen)
}

func TestConnectJoinsKnownGroups(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.groups = []fmchat.Group{{ID: "g1", Name: "Mentors"}, {ID: "g2", Name: "Investors"}}
	})
	h.connect()

	var joined []string
	for _, p := range h.channel.emitted(fmchat.EventJoinGroup) {
		var id string
		require.NoError(t, json.Unmarshal(p, &id))
		joined = append(joined, id)
	}
	require.ElementsMatch(t, []string{"g1", "g2"}, joined)
}

func TestChannelErrorSurfacesNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.channel.fire(fmchat.EventError, fmchat.ErrorPayload{Message: "room full"})
	require.Equal(t, 1, h.noticeCount(fmchat.NoticeError))
}

func TestTeardownIsIdempotentAndStopsMutations(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	h.ctrl.Teardown()
	h.ctrl.Teardown()

	require.Zero(t, h.channel.handlerCount())
	require.Equal(t, 1, h.channel.disconnects)
	require.Equal(t, fmchat.StatusDisconnected, h.ctrl.Status())

	before := h.ctrl.Messages()
	h.ctrl.HandleIncoming(directMsg("late", "c1", "u1", at(13, 0)))
	h.ctrl.HandlePresence([]string{"u1"})
	require.Equal(t, before, h.ctrl.Messages())
	require.Empty(t, h.ctrl.OnlineUsers())

	require.ErrorIs(t, h.ctrl.Initialize(context.Background(), me), fmchat.ErrDisposed)
	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.ErrorIs(t, err, fmchat.ErrDisposed)
}

func TestTeardownWhileConnectingClosesChannel(t *testing.T) {
	ch := newFakeChannel()
	ch.connectStarted = make(chan struct{})
	ch.connectGate = make(chan struct{})
	ctrl := fmchat.NewController(newFakeBackend(), ch)

	require.NoError(t, ctrl.Initialize(context.Background(), me))
	select {
	case <-ch.connectStarted:
	case <-time.After(time.Second):
		t.Fatal("connect never started")
	}

	ctrl.Teardown()
	close(ch.connectGate)

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.connects == 1 && ch.disconnects == 2
	}, time.Second, 5*time.Millisecond, "a connect that finishes after teardown must be closed again")
	require.Equal(t, fmchat.StatusDisconnected, ctrl.Status())
}

func TestTeardownWithoutInitialize(t *testing.T) {
	ch := newFakeChannel()
	ctrl := fmchat.NewController(newFakeBackend(), ch)
	require.NotPanics(t, ctrl.Teardown)
	require.NotPanics(t, ctrl.Teardown)
	require.Equal(t, 1, ch.disconnects)
}

func TestListenerPanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.On(fmchat.UpdatePresence, func(fmchat.Update) { panic("listener bug") })

	require.NotPanics(t, func() { h.ctrl.HandlePresence([]string{"u1"}) })
	require.True(t, h.ctrl.IsOnline("u1"))
}

// ============================================================================
// Threads
// ============================================================================

func TestOpenThreadWithUnreadSendsOneReadReceipt(t *testing.T) {
	h := newHarness(t, twoConversations)
	ctx := context.Background()

	require.NoError(t, h.ctrl.OpenThread(ctx, fmchat.DirectRef("c1")))
	require.Equal(t, 1, h.backend.markReadCount())

	e := h.ctrl.Conversations()
	require.Equal(t, "c1", e[1].Ref.ID)
	require.Zero(t, e[1].UnreadCount)

	require.NoError(t, h.ctrl.OpenThread(ctx, fmchat.DirectRef("c2")))
	require.NoError(t, h.ctrl.OpenThread(ctx, fmchat.DirectRef("c1")))
	require.Equal(t, 1, h.backend.markReadCount())
}

func TestOpenThreadReplacesCache(t *testing.T) {
	h := newHarness(t, twoConversations)
	ctx := context.Background()

	require.NoError(t, h.ctrl.OpenThread(ctx, fmchat.DirectRef("c1")))
	require.Len(t, h.ctrl.Messages(), 2)
	require.Equal(t, fmchat.DirectRef("c1"), h.ctrl.ActiveThread())

	require.NoError(t, h.ctrl.OpenThread(ctx, fmchat.DirectRef("c2")))
	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "10", msgs[0].ID)
}

func TestOpenGroupJoinsRoomWithoutReadReceipt(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.groups = []fmchat.Group{{ID: "g1", Name: "Mentors", UnreadCount: 4}}
	})
	h.connect()
	joinsBefore := len(h.channel.emitted(fmchat.EventJoinGroup))

	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.GroupRef("g1")))
	require.Zero(t, h.backend.markReadCount())
	require.Zero(t, h.ctrl.TotalUnread())
	require.Len(t, h.channel.emitted(fmchat.EventJoinGroup), joinsBefore+1)
}

func TestOpenThreadRejectsZeroRef(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.ctrl.OpenThread(context.Background(), fmchat.ThreadRef{}), fmchat.ErrNoActiveThread)
}

// ============================================================================
// Incoming
// ============================================================================

func TestIncomingDuplicateKeepsCacheLength(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))
	require.Len(t, h.ctrl.Messages(), 2)

	h.channel.fire(fmchat.EventReceiveMessage, directMsg("2", "c1", "u1", at(8, 20)))
	require.Len(t, h.ctrl.Messages(), 2)

	for i := 0; i < 3; i++ {
		h.channel.fire(fmchat.EventReceiveMessage, directMsg("3", "c1", "u1", at(8, 30)))
	}
	require.Len(t, h.ctrl.Messages(), 3)
}

func TestIncomingOnInactiveThreadCountsUnreadOnce(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	msg := directMsg("20", "c2", "u2", at(11, 0))
	h.channel.fire(fmchat.EventReceiveMessage, msg)
	h.channel.fire(fmchat.EventReceiveMessage, msg)

	convs := h.ctrl.Conversations()
	require.Equal(t, []string{"c2", "c1"}, ids(convs))
	require.Equal(t, 1, convs[0].UnreadCount)
	require.Equal(t, "msg 20", convs[0].LastMessage)
	require.Equal(t, 1, h.noticeCount(fmchat.NoticeInfo))
	require.Len(t, h.ctrl.Messages(), 2, "inactive thread messages stay out of the cache")
}

func TestIncomingFromSelfDoesNotCountUnread(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.channel.fire(fmchat.EventReceiveMessage, directMsg("30", "c2", me, at(11, 0)))

	e := h.ctrl.Conversations()[0]
	require.Equal(t, "c2", e.Ref.ID)
	require.Zero(t, e.UnreadCount)
	require.Zero(t, h.noticeCount(fmchat.NoticeInfo))
}

func TestIncomingDirectoryUpdateReorders(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.Equal(t, []string{"c2", "c1"}, ids(h.ctrl.Conversations()))

	h.channel.fire(fmchat.EventReceiveMessage, directMsg("40", "c1", "u1", at(11, 0)))
	require.Equal(t, []string{"c1", "c2"}, ids(h.ctrl.Conversations()))
}

func TestIncomingUnknownThreadCreatesEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.channel.fire(fmchat.EventReceiveGroupMessage, &fmchat.Message{
		ID: "g-1", GroupID: "g7", SenderID: "u9", Content: text("welcome"), CreatedAt: at(10, 0),
	})

	groups := h.ctrl.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, "g7", groups[0].Ref.ID)
	require.Equal(t, 1, groups[0].UnreadCount)
}

func TestIncomingInvalidMessageIsDropped(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.channel.fire(fmchat.EventReceiveMessage, map[string]any{"id": "x", "conversationId": "c1", "senderId": "u1"})
	h.channel.fire(fmchat.EventReceiveMessage, map[string]any{"id": "y", "conversationId": "c1", "groupId": "g1", "content": "both"})
	h.channel.fire(fmchat.EventReceiveMessage, "not a message")

	require.Equal(t, 2, h.ctrl.Conversations()[1].UnreadCount)
}

func TestIncomingOnActiveThreadSendsReadReceiptWhenFocused(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c2")))

	h.channel.fire(fmchat.EventReceiveMessage, directMsg("50", "c2", "u2", at(11, 0)))

	require.Eventually(t, func() bool { return h.backend.markReadCount() == 1 }, time.Second, 5*time.Millisecond)
	msgs := h.ctrl.Messages()
	require.NotNil(t, msgs[len(msgs)-1].ReadAt)
	require.Zero(t, h.ctrl.Conversations()[0].UnreadCount)
}

func TestIncomingOnActiveThreadWithoutFocus(t *testing.T) {
	h := newHarness(t, twoConversations, fmchat.WithFocus(func() bool { return false }))
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c2")))

	h.channel.fire(fmchat.EventReceiveMessage, directMsg("50", "c2", "u2", at(11, 0)))

	require.Never(t, func() bool { return h.backend.markReadCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	msgs := h.ctrl.Messages()
	require.Nil(t, msgs[len(msgs)-1].ReadAt)
}

func TestPresenceSnapshotReplacesSet(t *testing.T) {
	h := newHarness(t, nil)
	h.channel.fire(fmchat.EventOnlineUsers, []string{"u1", "u2"})
	require.Equal(t, []string{"u1", "u2"}, h.ctrl.OnlineUsers())

	h.channel.fire(fmchat.EventOnlineUsers, []map[string]string{{"_id": "u3"}})
	require.Equal(t, []string{"u3"}, h.ctrl.OnlineUsers())

	h.channel.fire(fmchat.EventOnlineUsers, []string{})
	require.Empty(t, h.ctrl.OnlineUsers())
}

// ============================================================================
// Send
// ============================================================================

func TestSendHelloWhileConnected(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	var threadUpdates int
	h.ctrl.On(fmchat.UpdateThread, func(fmchat.Update) { threadUpdates++ })

	msg, err := h.ctrl.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "srv-1", msg.ID)

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "srv-1", msgs[2].ID)
	require.Equal(t, fmchat.StateConfirmed, msgs[2].State)
	require.NotEmpty(t, msgs[2].ClientID)

	convs := h.ctrl.Conversations()
	require.Equal(t, "c1", convs[0].Ref.ID)
	require.Equal(t, "hello", convs[0].LastMessage)

	require.Equal(t, 1, h.backend.sentCount())
	fanout := h.channel.emitted(fmchat.EventSendMessage)
	require.Len(t, fanout, 1)
	echo, err := fmchat.DecodeMessage(fanout[0])
	require.NoError(t, err)
	require.Equal(t, "srv-1", echo.ID)
	require.Equal(t, "c1", echo.ConversationID)

	// Fan-back of our own message is absorbed.
	h.channel.fire(fmchat.EventReceiveMessage, msg)
	require.Len(t, h.ctrl.Messages(), 3)
	require.Positive(t, threadUpdates)
}

func TestSendToGroupEmitsGroupEvent(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.groups = []fmchat.Group{{ID: "g1", Name: "Mentors"}}
	})
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.GroupRef("g1")))

	_, err := h.ctrl.Send(context.Background(), "salama", nil)
	require.NoError(t, err)
	require.Len(t, h.channel.emitted(fmchat.EventSendGroupMessage), 1)
	require.Empty(t, h.channel.emitted(fmchat.EventSendMessage))
	require.Equal(t, "g1", h.backend.sent[0].GroupID)
}

func TestSendWhileDisconnectedIsRejected(t *testing.T) {
	h := newHarness(t, twoConversations)
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	_, err := h.ctrl.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, fmchat.ErrNotConnected)
	require.Len(t, h.ctrl.Messages(), 2)
	require.Zero(t, h.backend.sentCount())

	h.connect()
	h.channel.fire(fmchat.EventDisconnect, "ping timeout")
	_, err = h.ctrl.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, fmchat.ErrNotConnected)
}

func TestSendRejectsEmptyAndNoThread(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()

	_, err := h.ctrl.Send(context.Background(), "   ", nil)
	require.ErrorIs(t, err, fmchat.ErrEmptyMessage)

	_, err = h.ctrl.Send(context.Background(), "hi", nil)
	require.ErrorIs(t, err, fmchat.ErrNoActiveThread)
}

func TestSendIsSerializedPerThread(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		twoConversations(b)
		b.sendStarted = make(chan struct{}, 1)
		b.sendGate = make(chan struct{})
	})
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "first", nil)
		done <- err
	}()
	<-h.backend.sendStarted

	_, err := h.ctrl.Send(context.Background(), "second", nil)
	require.ErrorIs(t, err, fmchat.ErrSendInFlight)

	close(h.backend.sendGate)
	require.NoError(t, <-done)
	require.Equal(t, 1, h.backend.sentCount())
	require.Len(t, h.ctrl.Messages(), 3)

	h.backend.sendStarted = nil
	_, err = h.ctrl.Send(context.Background(), "third", nil)
	require.NoError(t, err)
}

func TestSendEchoBeforeConfirmKeepsOneCopy(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.convs = []fmchat.Conversation{{ID: "c1", Participant: &fmchat.User{ID: "u1", Name: "Aina"}}}
		b.sendStarted = make(chan struct{}, 1)
		b.sendGate = make(chan struct{})
	})
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	type result struct {
		msg *fmchat.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := h.ctrl.Send(context.Background(), "hello", nil)
		done <- result{msg, err}
	}()
	<-h.backend.sendStarted

	// The channel delivers our own message before REST answers.
	echo := directMsg("srv-1", "c1", me, at(23, 1))
	echo.Content = text("hello")
	h.channel.fire(fmchat.EventReceiveMessage, echo)
	require.Len(t, h.ctrl.Messages(), 2, "pending entry plus echo")

	close(h.backend.sendGate)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "srv-1", res.msg.ID)

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-1", msgs[0].ID)
	require.Equal(t, fmchat.StateConfirmed, msgs[0].State)
	require.Zero(t, h.ctrl.TotalUnread())
}

func TestIncomingForPreviousThreadAfterSwitchCountsUnread(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c2")))

	h.ctrl.HandleIncoming(directMsg("late", "c1", "u1", at(12, 0)))

	for _, m := range h.ctrl.Messages() {
		require.NotEqual(t, "late", m.ID)
	}
	entry := h.ctrl.Conversations()[0]
	require.Equal(t, "c1", entry.Ref.ID)
	require.Equal(t, 1, entry.UnreadCount)
}

func TestSendFailureLeavesCacheUnchanged(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		twoConversations(b)
		b.sendErr = &fmchat.APIError{StatusCode: 500, Message: "db down"}
	})
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))
	before := h.ctrl.Messages()

	_, err := h.ctrl.Send(context.Background(), "hello", nil)
	var apiErr *fmchat.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, before, h.ctrl.Messages())
	require.Equal(t, 1, h.noticeCount(fmchat.NoticeError))
	require.Empty(t, h.channel.emitted(fmchat.EventSendMessage))
	require.Equal(t, "morning", h.ctrl.Conversations()[1].LastMessage)
}

func TestSendEmitFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))
	h.channel.emitErr = fmchat.ErrNotConnected

	_, err := h.ctrl.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Len(t, h.ctrl.Messages(), 3)
}

func TestSendAttachmentUploadsFirst(t *testing.T) {
	h := newHarness(t, twoConversations)
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	msg, err := h.ctrl.Send(context.Background(), "", &fmchat.Attachment{FileName: "cv.pdf", Data: []byte("%PDF-1.4")})
	require.NoError(t, err)
	require.Equal(t, 1, h.backend.uploads)
	require.Equal(t, "/uploads/cv.pdf", *msg.FileURL)
	require.Nil(t, h.backend.sent[0].Content)
	require.Equal(t, "[attachment]", h.ctrl.Conversations()[0].LastMessage)
}

func TestSendRejectsBadAttachmentBeforeNetwork(t *testing.T) {
	h := newHarness(t, twoConversations, fmchat.WithAttachmentPolicy(fmchat.AttachmentPolicy{
		MaxSize:      4,
		AllowedTypes: []string{"image/*"},
	}))
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	_, err := h.ctrl.Send(context.Background(), "", &fmchat.Attachment{FileName: "big.png", Data: []byte("12345")})
	require.ErrorIs(t, err, fmchat.ErrAttachmentTooLarge)

	_, err = h.ctrl.Send(context.Background(), "", &fmchat.Attachment{FileName: "x.exe", Data: []byte("1")})
	require.ErrorIs(t, err, fmchat.ErrAttachmentType)

	require.Zero(t, h.backend.uploads)
	require.Zero(t, h.backend.sentCount())
}

func TestSendUploadFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		twoConversations(b)
		b.uploadErr = errors.New("disk full")
	})
	h.connect()
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.DirectRef("c1")))

	_, err := h.ctrl.Send(context.Background(), "see attached", &fmchat.Attachment{FileName: "a.png", Data: []byte("png")})
	require.Error(t, err)
	require.Zero(t, h.backend.sentCount())
	require.Len(t, h.ctrl.Messages(), 2)
}

// ============================================================================
// Directory management
// ============================================================================

func TestStartConversationOpensThread(t *testing.T) {
	h := newHarness(t, nil)
	conv, err := h.ctrl.StartConversation(context.Background(), "u5")
	require.NoError(t, err)
	require.Equal(t, fmchat.DirectRef(conv.ID), h.ctrl.ActiveThread())

	e := h.ctrl.Conversations()
	require.Len(t, e, 1)
	require.Equal(t, "Peer u5", e[0].Title)
}

func TestCreateGroupJoinsRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	_, err := h.ctrl.CreateGroup(context.Background(), &fmchat.CreateGroupOptions{})
	require.Error(t, err)

	g, err := h.ctrl.CreateGroup(context.Background(), &fmchat.CreateGroupOptions{Name: "Cohort 3", MemberIDs: []string{"u1", "u2"}})
	require.NoError(t, err)
	require.Equal(t, 3, g.MemberCount)
	require.Len(t, h.ctrl.Groups(), 1)
	require.Len(t, h.channel.emitted(fmchat.EventJoinGroup), 1)

	require.NoError(t, h.ctrl.AddGroupMember(context.Background(), g.ID, "u3"))
	require.Equal(t, 4, h.ctrl.Groups()[0].Group.MemberCount)
	require.NoError(t, h.ctrl.RemoveGroupMember(context.Background(), g.ID, "u1"))
	require.Equal(t, 3, h.ctrl.Groups()[0].Group.MemberCount)
}

func TestLeavingOpenGroupClosesIt(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.groups = []fmchat.Group{{ID: "g1", Name: "Mentors", MemberCount: 3}}
	})
	require.NoError(t, h.ctrl.OpenThread(context.Background(), fmchat.GroupRef("g1")))

	require.NoError(t, h.ctrl.RemoveGroupMember(context.Background(), "g1", me))
	require.Empty(t, h.ctrl.Groups())
	require.True(t, h.ctrl.ActiveThread().IsZero())
	require.Equal(t, []string{"g1/" + me}, h.backend.removed)
}

func TestUsersExcludesSelf(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.users = []fmchat.User{{ID: me, Name: "Me"}, {ID: "u1", Name: "Aina"}}
	})
	users, err := h.ctrl.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, []fmchat.User{{ID: "u1", Name: "Aina"}}, users)
}

func TestUsersLeavesBackendSliceIntact(t *testing.T) {
	shared := []fmchat.User{{ID: me, Name: "Me"}, {ID: "u1", Name: "Aina"}, {ID: "u2", Name: "Tiana"}}
	h := newHarness(t, func(b *fakeBackend) {
		b.users = shared
		b.shareUsers = true
	})

	users, err := h.ctrl.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, []fmchat.User{{ID: "u1", Name: "Aina"}, {ID: "u2", Name: "Tiana"}}, users)
	require.Equal(t, []fmchat.User{{ID: me, Name: "Me"}, {ID: "u1", Name: "Aina"}, {ID: "u2", Name: "Tiana"}}, shared)

	users[0].Name = "changed"
	require.Equal(t, "Aina", shared[1].Name)
}
