// Package fmchat is the Go client SDK for the Future Markers chat service.
//
// It covers the REST surface (conversations, messages, groups, users, uploads),
// a reconnecting real-time channel, and a synchronization controller that keeps
// a conversation directory, the open thread and the presence set consistent.
//
// Example:
//
//	client := fmchat.NewClient(token, fmchat.WithBaseURL("https://api.futuremarkers.org"))
//	channel := client.Realtime(userID, nil)
//
//	ctrl := fmchat.NewController(fmchat.NewBackend(client), channel)
//	defer ctrl.Teardown()
//	_ = ctrl.Initialize(ctx, userID)
//	_ = ctrl.OpenThread(ctx, fmchat.DirectRef("conv-1"))
//	_, _ = ctrl.Send(ctx, "hello", nil)
package fmchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Groups        *GroupsClient
	Files         *FilesClient
	Users         *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a new chat client. token may be empty for public endpoints.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: NopLogger{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Files = &FilesClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after the auth service refreshed it.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)

	return c.send(req)
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn(req.Context(), "request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug(req.Context(), "request done",
		"method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "elapsed", time.Since(start))

	return unwrapResponse(resp.StatusCode, data)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// unwrapResponse accepts both bare bodies and {ok,data,error} envelopes.
func unwrapResponse(status int, data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)

	var fields map[string]json.RawMessage
	isObject := len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &fields) == nil
	_, enveloped := fields["ok"]

	if status >= 400 {
		apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
		if isObject {
			var r Result
			if enveloped && json.Unmarshal(trimmed, &r) == nil && r.Error != nil {
				apiErr.Code, apiErr.Message = r.Error.Code, r.Error.Message
			} else {
				var flat struct {
					Message string `json:"message"`
					Error   string `json:"error"`
				}
				if json.Unmarshal(trimmed, &flat) == nil {
					apiErr.Message = firstNonEmpty(flat.Message, flat.Error, apiErr.Message)
				}
			}
		}
		return nil, apiErr
	}

	if enveloped {
		var r Result
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if !r.OK {
			if r.Error == nil {
				r.Error = &APIError{Message: "request failed"}
			}
			r.Error.StatusCode = status
			return nil, r.Error
		}
		return r.Data, nil
	}
	return json.RawMessage(trimmed), nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// unwrapList tolerates list endpoints that nest their array under a key.
func unwrapList(data json.RawMessage, keys ...string) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(trimmed, &obj) != nil {
		return trimmed
	}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return trimmed
}

// unwrapObject tolerates endpoints that nest their object under a key.
func unwrapObject(data json.RawMessage, key string) json.RawMessage {
	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) != nil {
		return data
	}
	if v, ok := obj[key]; ok && len(v) > 0 && v[0] == '{' {
		return v
	}
	return data
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient handles direct conversations.
type ConversationsClient struct{ c *Client }

// List returns the conversations of the signed-in user. localUserID is used to
// pick the other participant when the server returns both.
func (cv *ConversationsClient) List(ctx context.Context, localUserID string) ([]Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeConversations(unwrapList(data, "conversations"), localUserID)
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeMessages(unwrapList(data, "messages"))
}

// GetOrCreate returns the conversation with otherUserID, creating it on first contact.
func (cv *ConversationsClient) GetOrCreate(ctx context.Context, localUserID, otherUserID string) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/conversations", map[string]string{"userId": otherUserID}, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wireConversation](unwrapObject(data, "conversation"))
	if err != nil {
		return nil, err
	}
	conv := w.toConversation(localUserID)
	if conv.ID == "" {
		return nil, fmt.Errorf("%w: conversation without id", ErrInvalidMessage)
	}
	return &conv, nil
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// MessagesClient persists sent messages.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Send(ctx context.Context, out *OutgoingMessage) (*Message, error) {
	if err := validateOutgoing(out); err != nil {
		return nil, err
	}
	data, err := m.c.doRequest(ctx, http.MethodPost, "/messages", out, nil)
	if err != nil {
		return nil, err
	}
	msg, err := DecodeMessage(unwrapObject(data, "message"))
	if err != nil {
		return nil, err
	}
	// Fill whatever the server left out from what was sent.
	if msg.ConversationID == "" && msg.GroupID == "" {
		msg.ConversationID, msg.GroupID = out.ConversationID, out.GroupID
	}
	if msg.SenderID == "" {
		msg.SenderID = out.SenderID
	}
	if msg.Content == nil {
		msg.Content = out.Content
	}
	if msg.FileURL == nil {
		msg.FileURL = out.FileURL
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := ValidateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GroupsClient handles group management and history.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeGroups(unwrapList(data, "groups"))
}

func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	if err := validateCreateGroup(opts); err != nil {
		return nil, err
	}
	if opts.MemberIDs == nil {
		opts.MemberIDs = []string{}
	}
	data, err := g.c.doRequest(ctx, http.MethodPost, "/groups", opts, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wireGroup](unwrapObject(data, "group"))
	if err != nil {
		return nil, err
	}
	group := w.toGroup()
	if group.ID == "" {
		return nil, fmt.Errorf("%w: group without id", ErrInvalidMessage)
	}
	return &group, nil
}

func (g *GroupsClient) Messages(ctx context.Context, groupID string) ([]*Message, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeMessages(unwrapList(data, "messages"))
}

func (g *GroupsClient) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := g.c.doRequest(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/members", map[string]string{"userId": userID}, nil)
	return err
}

func (g *GroupsClient) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := g.c.doRequest(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(userID), nil, nil)
	return err
}

// UsersClient lists potential chat partners.
type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	data, err := u.c.doRequest(ctx, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeUsers(unwrapList(data, "users"))
}

// FilesClient handles attachment uploads.
type FilesClient struct{ c *Client }

// Upload sends the attachment as multipart field "file" and returns its reference.
func (f *FilesClient) Upload(ctx context.Context, a *Attachment) (*UploadResult, error) {
	if a == nil || a.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading")
	}
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(a.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(a.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.c.baseURL+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	f.c.setAuthHeaders(req)

	data, err := f.c.send(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	var raw struct {
		URL      string `json:"url"`
		FileURL  string `json:"fileUrl"`
		Path     string `json:"path"`
		FileName string `json:"fileName"`
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	res := &UploadResult{
		URL:      firstNonEmpty(raw.URL, raw.FileURL, raw.Path),
		FileName: firstNonEmpty(raw.FileName, a.FileName),
		MimeType: firstNonEmpty(raw.MimeType, mimeType),
		Size:     raw.Size,
	}
	if res.URL == "" {
		return nil, fmt.Errorf("upload failed: server returned no file reference")
	}
	if res.Size == 0 {
		res.Size = int64(len(a.Data))
	}
	return res, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".heic": "image/heic",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Backend adapter
// ============================================================================

// Backend is the REST surface the Controller depends on.
type Backend interface {
	ListConversations(ctx context.Context, localUserID string) ([]Conversation, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]*Message, error)
	GroupMessages(ctx context.Context, groupID string) ([]*Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, out *OutgoingMessage) (*Message, error)
	Upload(ctx context.Context, a *Attachment) (*UploadResult, error)
	GetOrCreateConversation(ctx context.Context, localUserID, otherUserID string) (*Conversation, error)
	CreateGroup(ctx context.Context, opts *CreateGroupOptions) (*Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	ListUsers(ctx context.Context) ([]User, error)
}

type restBackend struct{ c *Client }

// NewBackend adapts a Client to the Backend interface.
func NewBackend(c *Client) Backend { return restBackend{c: c} }

func (b restBackend) ListConversations(ctx context.Context, localUserID string) ([]Conversation, error) {
	return b.c.Conversations.List(ctx, localUserID)
}

func (b restBackend) ListGroups(ctx context.Context) ([]Group, error) {
	return b.c.Groups.List(ctx)
}

func (b restBackend) ConversationMessages(ctx context.Context, id string) ([]*Message, error) {
	return b.c.Conversations.Messages(ctx, id)
}

func (b restBackend) GroupMessages(ctx context.Context, id string) ([]*Message, error) {
	return b.c.Groups.Messages(ctx, id)
}

func (b restBackend) MarkConversationRead(ctx context.Context, id string) error {
	return b.c.Conversations.MarkRead(ctx, id)
}

func (b restBackend) SendMessage(ctx context.Context, out *OutgoingMessage) (*Message, error) {
	return b.c.Messages.Send(ctx, out)
}

func (b restBackend) Upload(ctx context.Context, a *Attachment) (*UploadResult, error) {
	return b.c.Files.Upload(ctx, a)
}

func (b restBackend) GetOrCreateConversation(ctx context.Context, localUserID, otherUserID string) (*Conversation, error) {
	return b.c.Conversations.GetOrCreate(ctx, localUserID, otherUserID)
}

func (b restBackend) CreateGroup(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	return b.c.Groups.Create(ctx, opts)
}

func (b restBackend) AddGroupMember(ctx context.Context, groupID, userID string) error {
	return b.c.Groups.AddMember(ctx, groupID, userID)
}

func (b restBackend) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	return b.c.Groups.RemoveMember(ctx, groupID, userID)
}

func (b restBackend) ListUsers(ctx context.Context) ([]User, error) {
	return b.c.Users.List(ctx)
}
