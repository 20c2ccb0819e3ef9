package fmchat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed REST call.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// Result is the optional {ok,data,error} response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Types
// ============================================================================

// User is owned by the identity service; the client never mutates it.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Email  string `json:"email,omitempty"`
}

// DisplayName never returns an empty string.
func (u *User) DisplayName() string {
	if u == nil {
		return "Unknown user"
	}
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return "Unknown user"
}

// Initials returns up to two upper-case initials, or "?" when nothing usable is known.
func (u *User) Initials() string {
	if u == nil {
		return "?"
	}
	name := strings.TrimSpace(u.Name)
	if name == "" {
		if at := strings.IndexByte(u.Email, '@'); at > 0 {
			name = u.Email[:at]
		}
	}
	var out []rune
	for _, f := range strings.Fields(name) {
		r := []rune(f)[0]
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, unicode.ToUpper(r))
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// ThreadKind discriminates direct conversations from groups.
type ThreadKind string

const (
	KindDirect ThreadKind = "direct"
	KindGroup  ThreadKind = "group"
)

// ThreadRef names a conversation or a group.
type ThreadRef struct {
	Kind ThreadKind `json:"kind"`
	ID   string     `json:"id"`
}

func DirectRef(conversationID string) ThreadRef {
	return ThreadRef{Kind: KindDirect, ID: conversationID}
}

func GroupRef(groupID string) ThreadRef {
	return ThreadRef{Kind: KindGroup, ID: groupID}
}

func (r ThreadRef) IsZero() bool { return r.ID == "" }

func (r ThreadRef) String() string { return string(r.Kind) + ":" + r.ID }

// Conversation is a direct thread between the local user and one participant.
type Conversation struct {
	ID            string    `json:"id"`
	Participant   *User     `json:"participant,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

type Group struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	MemberCount   int       `json:"memberCount"`
	IsAdmin       bool      `json:"isAdmin"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

// DeliveryState tracks the optimistic two-phase lifecycle of a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
)

// Message is either a direct message (ConversationID set) or a group message
// (GroupID set), never both.
type Message struct {
	ID             string        `json:"id" validate:"required"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty" validate:"required_without=GroupID,excluded_with=GroupID"`
	GroupID        string        `json:"groupId,omitempty" validate:"required_without=ConversationID,excluded_with=ConversationID"`
	SenderID       string        `json:"senderId"`
	Sender         *User         `json:"sender,omitempty"`
	Content        *string       `json:"content"`
	FileURL        *string       `json:"fileUrl"`
	CreatedAt      time.Time     `json:"createdAt"`
	SentAt         *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	State          DeliveryState `json:"-"`
}

func (m *Message) Kind() ThreadKind {
	if m.GroupID != "" {
		return KindGroup
	}
	return KindDirect
}

func (m *Message) Thread() ThreadRef {
	if m.GroupID != "" {
		return GroupRef(m.GroupID)
	}
	return DirectRef(m.ConversationID)
}

// Text returns the content or "" when there is none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func (m *Message) HasAttachment() bool {
	return m.FileURL != nil && *m.FileURL != ""
}

// Preview is the one-line text shown in the directory.
func (m *Message) Preview() string {
	if t := strings.TrimSpace(m.Text()); t != "" {
		return t
	}
	if m.HasAttachment() {
		return "[attachment]"
	}
	return ""
}

// normalizeMarkers back-fills earlier delivery markers from later ones.
func (m *Message) normalizeMarkers() {
	if m.ReadAt != nil && m.DeliveredAt == nil {
		t := *m.ReadAt
		m.DeliveredAt = &t
	}
	if m.DeliveredAt != nil && m.SentAt == nil {
		t := *m.DeliveredAt
		m.SentAt = &t
	}
}

// OutgoingMessage is the body of POST /messages.
type OutgoingMessage struct {
	ConversationID string  `json:"conversationId,omitempty" validate:"required_without=GroupID,excluded_with=GroupID"`
	GroupID        string  `json:"groupId,omitempty" validate:"required_without=ConversationID,excluded_with=ConversationID"`
	SenderID       string  `json:"senderId" validate:"required"`
	Content        *string `json:"content"`
	FileURL        *string `json:"fileUrl"`
}

// CreateGroupOptions is the body of POST /groups.
type CreateGroupOptions struct {
	Name        string   `json:"name" validate:"required,max=120"`
	Description string   `json:"description,omitempty" validate:"max=1000"`
	MemberIDs   []string `json:"memberIds" validate:"dive,required"`
}

// Attachment is a file queued for upload with a message.
type Attachment struct {
	FileName string
	MimeType string
	Data     []byte
}

// UploadResult is the file reference returned by POST /upload.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
