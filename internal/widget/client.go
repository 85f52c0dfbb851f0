// ABOUTME: HTTP client for the gateway's visitor-facing conversation API
// ABOUTME: JSON requests with bearer visitor tokens; non-2xx replies become *APIError

package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/chat-gateway/internal/store"
)

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// VisitorProfile carries the optional contact fields sent on start.
type VisitorProfile struct {
	Name     string `json:"visitor_name,omitempty"`
	Email    string `json:"visitor_email,omitempty"`
	Phone    string `json:"visitor_phone,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

type startRequest struct {
	VisitorProfile
	VisitorID       string `json:"visitor_id,omitempty"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// StartResult is the gateway's reply to starting a conversation.
type StartResult struct {
	ConversationID string              `json:"conversation_id"`
	VisitorID      string              `json:"visitor_id"`
	VisitorToken   string              `json:"visitor_token,omitempty"`
	IsReturning    bool                `json:"is_returning"`
	Conversation   *store.Conversation `json:"conversation"`
	Message        *store.Message      `json:"message"`
	AutoReply      *store.Message      `json:"auto_reply,omitempty"`
}

type sendRequest struct {
	Role            store.Role `json:"role"`
	Content         string     `json:"content"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
	SubscriberID    string     `json:"subscriber_id,omitempty"`
}

// SendResult is the stored message plus any automated reply.
type SendResult struct {
	Message   *store.Message `json:"message"`
	AutoReply *store.Message `json:"auto_reply,omitempty"`
}

// Page is one page of history, newest message first.
type Page struct {
	Messages []*store.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	OldestID int64            `json:"oldest_id,omitempty"`
}

type typingRequest struct {
	Role         store.Role `json:"role"`
	IsTyping     bool       `json:"is_typing"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
}

type closeRequest struct {
	ClosedBy     string `json:"closed_by"`
	Reason       string `json:"reason,omitempty"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

type rateRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

type receiptRequest struct {
	Role   store.Role `json:"role"`
	UpToID int64      `json:"up_to_id"`
}

// Client talks to the gateway on behalf of one visitor.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the gateway at baseURL. A nil httpClient
// uses one with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// SetToken sets the visitor token sent as a bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Start opens a conversation on widgetKey with the visitor's first message.
func (c *Client) Start(ctx context.Context, widgetKey, visitorID, content string, profile VisitorProfile) (*StartResult, error) {
	var res StartResult
	err := c.do(ctx, http.MethodPost, "/api/widgets/"+url.PathEscape(widgetKey)+"/conversations", startRequest{
		VisitorProfile: profile,
		VisitorID:      visitorID,
		Content:        content,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Send posts a visitor message.
func (c *Client) Send(ctx context.Context, conversationID, content, subscriberID string) (*SendResult, error) {
	var res SendResult
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), sendRequest{
		Role:         store.RoleVisitor,
		Content:      content,
		SubscriberID: subscriberID,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Conversation fetches the conversation's current state.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages fetches one history page. beforeID 0 means the newest page.
func (c *Client) Messages(ctx context.Context, conversationID string, beforeID int64, limit int) (*Page, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page Page
	if err := c.do(ctx, http.MethodGet, withQuery(conversationPath(conversationID, "/messages"), q), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Since fetches messages with id greater than afterID, oldest first.
func (c *Client) Since(ctx context.Context, conversationID string, afterID int64) ([]*store.Message, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	var page Page
	if err := c.do(ctx, http.MethodGet, withQuery(conversationPath(conversationID, "/messages/since"), q), nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// VisitorConversations lists the visitor's conversations, most recently
// active first.
func (c *Client) VisitorConversations(ctx context.Context, visitorID string) ([]*store.Conversation, error) {
	var res struct {
		Conversations []*store.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/visitors/"+url.PathEscape(visitorID)+"/conversations", nil, &res); err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

// SetTyping reports the visitor's typing state.
func (c *Client) SetTyping(ctx context.Context, conversationID string, isTyping bool, subscriberID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/typing"), typingRequest{
		Role:         store.RoleVisitor,
		IsTyping:     isTyping,
		SubscriberID: subscriberID,
	}, nil)
}

// Close ends the conversation from the visitor's side.
func (c *Client) Close(ctx context.Context, conversationID, reason, subscriberID string) (*store.Conversation, error) {
	var conv store.Conversation
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/close"), closeRequest{
		ClosedBy:     string(store.RoleVisitor),
		Reason:       reason,
		SubscriberID: subscriberID,
	}, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Rate scores the conversation 1 to 5.
func (c *Client) Rate(ctx context.Context, conversationID string, score int, comment string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/rate"), rateRequest{Score: score, Comment: comment}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead tells the gateway the visitor has read everything up to upToID.
func (c *Client) MarkRead(ctx context.Context, conversationID string, upToID int64) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), receiptRequest{
		Role:   store.RoleVisitor,
		UpToID: upToID,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func conversationPath(id, suffix string) string {
	return "/api/conversations/" + url.PathEscape(id) + suffix
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
