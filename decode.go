package fmchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Wire shapes are decoded loosely: the backend populates references
// inconsistently (ids as "id" or "_id", senders as ids or objects), and a
// partial payload must never fail the whole list.

type wireUser struct {
	ID     string `json:"id"`
	OID    string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Email  string `json:"email"`
}

func (w *wireUser) toUser() *User {
	if w == nil {
		return nil
	}
	return &User{ID: firstNonEmpty(w.ID, w.OID), Name: w.Name, Avatar: w.Avatar, Email: w.Email}
}

// wireRef holds a field that is either an id string or a populated object.
type wireRef json.RawMessage

func (r *wireRef) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (r wireRef) user() *User {
	b := bytes.TrimSpace(r)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var id string
		if json.Unmarshal(b, &id) != nil || id == "" {
			return nil
		}
		return &User{ID: id}
	}
	var w wireUser
	if json.Unmarshal(b, &w) != nil {
		return nil
	}
	return w.toUser()
}

func (r wireRef) id() string {
	if u := r.user(); u != nil {
		return u.ID
	}
	return ""
}

// wireTime accepts an ISO string or epoch milliseconds. Any other shape
// decodes to the zero time.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = wireTime{}
	if len(b) == 0 {
		return nil
	}
	switch {
	case b[0] == '"':
		var s string
		if json.Unmarshal(b, &s) == nil {
			*t = wireTime(parseTime(s))
		}
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		if ms, err := strconv.ParseFloat(string(b), 64); err == nil && !math.IsInf(ms, 0) {
			*t = wireTime(time.UnixMilli(int64(ms)).UTC())
		}
	}
	return nil
}

func (t wireTime) value() time.Time { return time.Time(t) }

func (t wireTime) ptr() *time.Time {
	v := time.Time(t)
	if v.IsZero() {
		return nil
	}
	return &v
}

// wireInt accepts a number or a numeric string. Anything else is 0.
type wireInt int

func (n *wireInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*n = 0
	if len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var s string
		if json.Unmarshal(b, &s) != nil {
			return nil
		}
		b = []byte(s)
	}
	if f, err := strconv.ParseFloat(string(b), 64); err == nil && f >= math.MinInt32 && f <= math.MaxInt32 {
		*n = wireInt(f)
	}
	return nil
}

type wireMessage struct {
	ID             string   `json:"id"`
	OID            string   `json:"_id"`
	ClientID       string   `json:"clientId"`
	ConversationID wireRef  `json:"conversationId"`
	GroupID        wireRef  `json:"groupId"`
	SenderID       wireRef  `json:"senderId"`
	Sender         wireRef  `json:"sender"`
	Content        *string  `json:"content"`
	FileURL        *string  `json:"fileUrl"`
	CreatedAt      wireTime `json:"createdAt"`
	SentAt         wireTime `json:"sentAt"`
	DeliveredAt    wireTime `json:"deliveredAt"`
	ReadAt         wireTime `json:"readAt"`
}

func (w *wireMessage) toMessage() *Message {
	m := &Message{
		ID:             firstNonEmpty(w.ID, w.OID),
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID.id(),
		GroupID:        w.GroupID.id(),
		Content:        w.Content,
		FileURL:        w.FileURL,
		CreatedAt:      w.CreatedAt.value(),
		SentAt:         w.SentAt.ptr(),
		DeliveredAt:    w.DeliveredAt.ptr(),
		ReadAt:         w.ReadAt.ptr(),
		State:          StateConfirmed,
	}
	// senderId may itself be the populated sender.
	m.Sender = w.Sender.user()
	if su := w.SenderID.user(); su != nil {
		m.SenderID = su.ID
		if m.Sender == nil && su.Name != "" {
			m.Sender = su
		}
	}
	if m.SenderID == "" && m.Sender != nil {
		m.SenderID = m.Sender.ID
	}
	m.normalizeMarkers()
	return m
}

type wireConversation struct {
	ID            string     `json:"id"`
	OID           string     `json:"_id"`
	Participant   *wireUser  `json:"participant"`
	OtherUser     *wireUser  `json:"otherUser"`
	Participants  []wireUser `json:"participants"`
	LastMessage   wireRef    `json:"lastMessage"`
	LastMessageAt wireTime   `json:"lastMessageAt"`
	UpdatedAt     wireTime   `json:"updatedAt"`
	UnreadCount   wireInt    `json:"unreadCount"`
}

func (w *wireConversation) toConversation(localUserID string) Conversation {
	c := Conversation{
		ID:            firstNonEmpty(w.ID, w.OID),
		LastMessage:   previewOf(w.LastMessage),
		LastMessageAt: w.LastMessageAt.value(),
		UpdatedAt:     w.UpdatedAt.value(),
		UnreadCount:   max(int(w.UnreadCount), 0),
	}
	switch {
	case w.Participant != nil:
		c.Participant = w.Participant.toUser()
	case w.OtherUser != nil:
		c.Participant = w.OtherUser.toUser()
	default:
		for i := range w.Participants {
			u := w.Participants[i].toUser()
			if u.ID != localUserID {
				c.Participant = u
				break
			}
		}
	}
	return c
}

type wireGroup struct {
	ID            string    `json:"id"`
	OID           string    `json:"_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	MemberCount   wireInt   `json:"memberCount"`
	Members       []wireRef `json:"members"`
	IsAdmin       bool      `json:"isAdmin"`
	LastMessage   wireRef   `json:"lastMessage"`
	LastMessageAt wireTime  `json:"lastMessageAt"`
	UpdatedAt     wireTime  `json:"updatedAt"`
	UnreadCount   wireInt   `json:"unreadCount"`
}

func (w *wireGroup) toGroup() Group {
	g := Group{
		ID:            firstNonEmpty(w.ID, w.OID),
		Name:          w.Name,
		Description:   w.Description,
		MemberCount:   max(int(w.MemberCount), 0),
		IsAdmin:       w.IsAdmin,
		LastMessage:   previewOf(w.LastMessage),
		LastMessageAt: w.LastMessageAt.value(),
		UpdatedAt:     w.UpdatedAt.value(),
		UnreadCount:   max(int(w.UnreadCount), 0),
	}
	if g.MemberCount == 0 {
		g.MemberCount = len(w.Members)
	}
	if g.Name == "" {
		g.Name = "Untitled group"
	}
	return g
}

// previewOf accepts lastMessage as plain text or as an embedded message.
func previewOf(r wireRef) string {
	b := bytes.TrimSpace(r)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ""
	}
	if b[0] == '"' {
		var s string
		_ = json.Unmarshal(b, &s)
		return s
	}
	var w wireMessage
	if json.Unmarshal(b, &w) != nil {
		return ""
	}
	return w.toMessage().Preview()
}

// DecodeMessage decodes a single message payload.
func DecodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return w.toMessage(), nil
}

// DecodeMessages decodes a message list, dropping entries that fail validation.
func DecodeMessages(data []byte) ([]*Message, error) {
	var ws []wireMessage
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	out := make([]*Message, 0, len(ws))
	for i := range ws {
		m := ws[i].toMessage()
		if ValidateMessage(m) != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func DecodeConversations(data []byte, localUserID string) ([]Conversation, error) {
	var ws []wireConversation
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(ws))
	for i := range ws {
		c := ws[i].toConversation(localUserID)
		if c.ID == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func DecodeGroups(data []byte) ([]Group, error) {
	var ws []wireGroup
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	out := make([]Group, 0, len(ws))
	for i := range ws {
		g := ws[i].toGroup()
		if g.ID == "" {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func DecodeUsers(data []byte) ([]User, error) {
	var ws []wireUser
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	out := make([]User, 0, len(ws))
	for i := range ws {
		u := ws[i].toUser()
		if u.ID == "" {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

// ============================================================================
// Helpers
// ============================================================================

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"}

// parseTime returns the zero time for anything it cannot read.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
