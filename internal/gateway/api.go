// ABOUTME: HTTP JSON API for visitors and agents over the conversation service
// ABOUTME: Maps validation, state and not-found errors onto status codes with JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/chat-gateway/internal/attachment"
	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

// maxJSONBody bounds request bodies other than uploads.
const maxJSONBody = 1 << 20

// StartConversationRequest is the JSON body for POST /api/widgets/{key}/conversations.
type StartConversationRequest struct {
	OwnerID         string `json:"owner_id,omitempty"`
	VisitorID       string `json:"visitor_id,omitempty"`
	VisitorName     string `json:"visitor_name,omitempty"`
	VisitorEmail    string `json:"visitor_email,omitempty"`
	VisitorPhone    string `json:"visitor_phone,omitempty"`
	Country         string `json:"country,omitempty"`
	Language        string `json:"language,omitempty"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// StartConversationResponse is returned when a conversation is created.
type StartConversationResponse struct {
	ConversationID string              `json:"conversation_id"`
	VisitorID      string              `json:"visitor_id"`
	VisitorToken   string              `json:"visitor_token,omitempty"`
	IsReturning    bool                `json:"is_returning"`
	Conversation   *store.Conversation `json:"conversation"`
	Message        *store.Message      `json:"message"`
	AutoReply      *store.Message      `json:"auto_reply,omitempty"`
}

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Role            store.Role        `json:"role"`
	ActorID         string            `json:"actor_id,omitempty"`
	Content         string            `json:"content"`
	Kind            store.ContentKind `json:"kind,omitempty"`
	Attachment      *store.Attachment `json:"attachment,omitempty"`
	Language        string            `json:"language,omitempty"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
	SubscriberID    string            `json:"subscriber_id,omitempty"`
}

// SendMessageResponse carries the stored message and any automated reply.
type SendMessageResponse struct {
	Message   *store.Message `json:"message"`
	AutoReply *store.Message `json:"auto_reply,omitempty"`
}

// MessagesResponse is one page of messages, newest first for history pages
// and oldest first for since queries.
type MessagesResponse struct {
	Messages []*store.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	OldestID int64            `json:"oldest_id,omitempty"`
}

// ConversationsResponse lists conversations.
type ConversationsResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// TypingRequest is the JSON body for POST /api/conversations/{id}/typing.
type TypingRequest struct {
	Role         store.Role `json:"role"`
	ActorID      string     `json:"actor_id,omitempty"`
	IsTyping     bool       `json:"is_typing"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
}

// CloseRequest is the JSON body for POST /api/conversations/{id}/close.
type CloseRequest struct {
	ClosedBy     string `json:"closed_by"`
	Reason       string `json:"reason,omitempty"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// LifecycleRequest is the optional body for reopen and archive.
type LifecycleRequest struct {
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// RateRequest is the JSON body for POST /api/conversations/{id}/rate.
type RateRequest struct {
	Score        int    `json:"score"`
	Comment      string `json:"comment,omitempty"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// ReceiptRequest is the JSON body for read and delivered receipts. Role is
// the side that read or received the messages.
type ReceiptRequest struct {
	Role         store.Role `json:"role"`
	UpToID       int64      `json:"up_to_id"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
}

// ReceiptResponse reports how many messages changed.
type ReceiptResponse struct {
	Updated int64 `json:"updated"`
}

// VisitorRequest is the JSON body for POST /api/conversations/{id}/visitor.
type VisitorRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// registerAPIRoutes registers the conversation API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/widgets/{key}/conversations", g.handleStartConversation)

	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleGetMessages)
	mux.HandleFunc("GET /api/conversations/{id}/messages/since", g.handleMessagesSince)
	mux.HandleFunc("POST /api/conversations/{id}/attachments", g.handleUploadAttachment)
	mux.HandleFunc("POST /api/conversations/{id}/typing", g.handleTyping)
	mux.HandleFunc("POST /api/conversations/{id}/close", g.handleClose)
	mux.HandleFunc("POST /api/conversations/{id}/reopen", g.handleReopen)
	mux.HandleFunc("POST /api/conversations/{id}/archive", g.handleArchive)
	mux.HandleFunc("POST /api/conversations/{id}/rate", g.handleRate)
	mux.HandleFunc("POST /api/conversations/{id}/read", g.handleRead)
	mux.HandleFunc("POST /api/conversations/{id}/delivered", g.handleDelivered)
	mux.HandleFunc("POST /api/conversations/{id}/visitor", g.handleUpdateVisitor)
	mux.HandleFunc("GET /api/conversations/{id}/events", g.handleEvents)
	mux.HandleFunc("GET /api/conversations/{id}/ws", g.handleWebSocket)

	mux.HandleFunc("GET /api/visitors/{visitor_id}/conversations", g.handleVisitorConversations)
	mux.HandleFunc("GET /api/owners/{owner}/conversations", g.handleOwnerConversations)
}

// handleStartConversation creates a conversation from the visitor's first
// message. With visitor tokens enabled the visitor id comes only from a
// valid bearer token; otherwise the body's visitor_id is trusted.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	visitorID := req.VisitorID
	if g.tokens.Enabled() {
		visitorID = ""
		if tok := auth.BearerToken(r); tok != "" {
			id, err := g.tokens.Verify(tok)
			if err != nil {
				g.sendJSONError(w, http.StatusUnauthorized, "invalid visitor token")
				return
			}
			visitorID = id
		}
	}

	res, err := g.conversation.Start(r.Context(), conversation.StartRequest{
		WidgetKey:       r.PathValue("key"),
		OwnerID:         req.OwnerID,
		VisitorID:       visitorID,
		VisitorName:     req.VisitorName,
		VisitorEmail:    req.VisitorEmail,
		VisitorPhone:    req.VisitorPhone,
		Country:         req.Country,
		Language:        req.Language,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	token, err := g.tokens.Issue(res.Conversation.VisitorID)
	if err != nil {
		g.logger.Error("issuing visitor token", "error", err)
	}

	g.writeJSON(w, http.StatusCreated, StartConversationResponse{
		ConversationID: res.Conversation.ID,
		VisitorID:      res.Conversation.VisitorID,
		VisitorToken:   token,
		IsReturning:    res.IsReturning,
		Conversation:   res.Conversation,
		Message:        res.Message,
		AutoReply:      res.AutoReply,
	})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	res, err := g.conversation.SendMessage(r.Context(), conversation.SendRequest{
		ConversationID:  r.PathValue("id"),
		Role:            req.Role,
		ActorID:         req.ActorID,
		Content:         req.Content,
		Kind:            req.Kind,
		Attachment:      req.Attachment,
		Language:        req.Language,
		ClientMessageID: req.ClientMessageID,
		SubscriberID:    req.SubscriberID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, SendMessageResponse{Message: res.Message, AutoReply: res.AutoReply})
}

// handleGetMessages returns one page of history, newest first.
// Query: before_id (exclusive cursor, 0 for the newest page) and limit.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	beforeID, err := queryInt64(r, "before_id")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := g.conversation.GetMessages(r.Context(), r.PathValue("id"), beforeID, int(limit))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, MessagesResponse{
		Messages: nonNil(page.Messages),
		HasMore:  page.HasMore,
		OldestID: page.OldestID,
	})
}

// handleMessagesSince returns messages with id greater than after_id, oldest
// first. Polling clients use it to fill gaps.
func (g *Gateway) handleMessagesSince(w http.ResponseWriter, r *http.Request) {
	afterID, err := queryInt64(r, "after_id")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.conversation.MessagesSince(r.Context(), r.PathValue("id"), afterID, int(limit))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, MessagesResponse{Messages: nonNil(msgs)})
}

// handleUploadAttachment stores a multipart "file" part and sends it as an
// attachment message. Form fields: role, actor_id, caption, subscriber_id.
func (g *Gateway) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.config.Attachments.MaxBytes+maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, attachment.ErrTooLarge.Error())
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Reject before touching storage.
	convID := r.PathValue("id")
	conv, err := g.conversation.GetConversation(r.Context(), convID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	if !conv.IsOpen() {
		g.writeServiceError(w, &conversation.StateError{
			ConversationID: conv.ID,
			Status:         conv.Status,
			Op:             "upload",
			Err:            conversation.ErrConversationNotOpen,
		})
		return
	}

	att, err := g.attachments.Save(r.Context(), header.Filename, file)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	res, err := g.conversation.SendMessage(r.Context(), conversation.SendRequest{
		ConversationID: convID,
		Role:           store.Role(r.FormValue("role")),
		ActorID:        r.FormValue("actor_id"),
		Content:        r.FormValue("caption"),
		Attachment:     att,
		SubscriberID:   r.FormValue("subscriber_id"),
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, SendMessageResponse{Message: res.Message, AutoReply: res.AutoReply})
}

func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	err := g.conversation.SetTyping(r.Context(), conversation.TypingRequest{
		ConversationID: r.PathValue("id"),
		Role:           req.Role,
		ActorID:        req.ActorID,
		IsTyping:       req.IsTyping,
		SubscriberID:   req.SubscriberID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	conv, err := g.conversation.Close(r.Context(), conversation.CloseRequest{
		ConversationID: r.PathValue("id"),
		ClosedBy:       req.ClosedBy,
		Reason:         req.Reason,
		SubscriberID:   req.SubscriberID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !g.decodeOptionalJSON(w, r, &req) {
		return
	}
	conv, err := g.conversation.Reopen(r.Context(), r.PathValue("id"), req.SubscriberID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !g.decodeOptionalJSON(w, r, &req) {
		return
	}
	conv, err := g.conversation.Archive(r.Context(), r.PathValue("id"), req.SubscriberID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	conv, err := g.conversation.Rate(r.Context(), r.PathValue("id"), req.Score, req.Comment, req.SubscriberID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	n, err := g.conversation.MarkRead(r.Context(), r.PathValue("id"), req.Role, req.UpToID, req.SubscriberID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ReceiptResponse{Updated: n})
}

func (g *Gateway) handleDelivered(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	n, err := g.conversation.MarkDelivered(r.Context(), r.PathValue("id"), req.Role, req.UpToID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ReceiptResponse{Updated: n})
}

func (g *Gateway) handleUpdateVisitor(w http.ResponseWriter, r *http.Request) {
	var req VisitorRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	conv, err := g.conversation.UpdateVisitor(r.Context(), r.PathValue("id"), conversation.VisitorProfile{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleVisitorConversations lists a visitor's conversations, newest first.
// With visitor tokens enabled the caller must present the visitor's token.
func (g *Gateway) handleVisitorConversations(w http.ResponseWriter, r *http.Request) {
	visitorID := r.PathValue("visitor_id")
	if g.tokens.Enabled() {
		id, err := g.tokens.Verify(auth.BearerToken(r))
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "visitor token required")
			return
		}
		if id != visitorID {
			g.sendJSONError(w, http.StatusForbidden, "token does not match visitor")
			return
		}
	}

	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := g.conversation.ListByVisitor(r.Context(), visitorID, int(limit))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: nonNil(convs)})
}

// handleOwnerConversations lists an owner's conversations by last activity.
// Query: status (open, closed, archived or empty for all) and limit.
func (g *Gateway) handleOwnerConversations(w http.ResponseWriter, r *http.Request) {
	status := store.ConversationStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := g.conversation.ListByOwner(r.Context(), r.PathValue("owner"), status, int(limit))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: nonNil(convs)})
}

// writeServiceError maps service errors onto HTTP statuses.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	var ve *conversation.ValidationError
	var se *conversation.StateError
	switch {
	case errors.As(err, &ve):
		g.sendJSONError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.As(err, &se):
		g.sendJSONError(w, http.StatusConflict, se.Err.Error())
	case errors.Is(err, conversation.ErrLimitReached):
		g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, attachment.ErrTooLarge):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, attachment.ErrEmpty):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a required JSON body into v, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func (g *Gateway) decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return g.decodeJSON(w, r, v)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// queryInt64 parses an optional non-negative integer query parameter.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
