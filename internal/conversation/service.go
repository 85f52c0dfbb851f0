// ABOUTME: Conversation state machine: persists every send and lifecycle transition first, then acts
// ABOUTME: Serializes writes per conversation and drives the automation gate around each visitor message

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/automation"
	"github.com/2389/chat-gateway/internal/notify"
	"github.com/2389/chat-gateway/internal/store"
	"github.com/2389/chat-gateway/internal/translate"
)

// Limits on caller-provided text.
const (
	MaxContentLength = 5000
	MaxCommentLength = 1000
	MaxProfileField  = 200
)

// Usage feature keys, matching the usage limiter's.
const (
	featureConversations     = "conversations"
	featureAutomationReplies = "automation_replies"
)

// Default texts for engine-authored messages.
const (
	DefaultHoldingMessage          = "Thanks for your message. A member of our team will get back to you shortly."
	DefaultEscalationMessage       = "I'm connecting you with a member of our team now."
	DefaultEscalationRepeatMessage = "A team member has been notified and will be with you soon."
)

// historyLimit bounds the context handed to the automation provider.
const historyLimit = 20

// UsageLimiter is the account-level allowance check.
type UsageLimiter interface {
	CanUse(ctx context.Context, ownerID, feature string) bool
	IncrementUsage(ctx context.Context, ownerID, feature string) error
}

// Options wires the service's collaborators. Store and Channel are required.
type Options struct {
	Store   store.Store
	Channel Channel

	// Provider answers visitor messages. Nil disables automation.
	Provider automation.Provider
	Policy   automation.Policy
	Typing   automation.Typing
	// ProviderTimeout bounds one provider call. Zero means no timeout.
	ProviderTimeout time.Duration

	// Translator may be nil; translation then passes text through.
	Translator *translate.Service
	// Notifier defaults to logging notifications.
	Notifier notify.Notifier
	// Usage defaults to unlimited.
	Usage UsageLimiter

	HoldingMessage          string
	EscalationMessage       string
	EscalationRepeatMessage string

	Now func() time.Time
}

// Service owns conversation and message lifecycle. Every write to a
// conversation happens under that conversation's lock.
type Service struct {
	store      store.Store
	channel    Channel
	provider   automation.Provider
	policy     automation.Policy
	typing     automation.Typing
	timeout    time.Duration
	translator *translate.Service
	notifier   notify.Notifier
	usage      UsageLimiter
	texts      texts
	now        func() time.Time
	logger     *slog.Logger

	locks *keyedLocker

	inflightMu sync.Mutex
	inflight   map[string]map[uint64]context.CancelFunc
	nextCancel uint64
}

type texts struct {
	holding, escalation, escalationRepeat string
}

// New creates a conversation Service. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      opts.Store,
		channel:    opts.Channel,
		provider:   opts.Provider,
		policy:     opts.Policy,
		typing:     opts.Typing,
		timeout:    opts.ProviderTimeout,
		translator: opts.Translator,
		notifier:   opts.Notifier,
		usage:      opts.Usage,
		texts: texts{
			holding:          orDefault(opts.HoldingMessage, DefaultHoldingMessage),
			escalation:       orDefault(opts.EscalationMessage, DefaultEscalationMessage),
			escalationRepeat: orDefault(opts.EscalationRepeatMessage, DefaultEscalationRepeatMessage),
		},
		now:      opts.Now,
		logger:   logger.With("component", "conversation"),
		locks:    newKeyedLocker(),
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy.Quota == 0 {
		s.policy = automation.DefaultPolicy()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(logger)
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// StartRequest is a visitor's first message, which creates the conversation.
type StartRequest struct {
	WidgetKey string
	// OwnerID defaults to WidgetKey.
	OwnerID string
	// VisitorID is the durable visitor identity. Generated when empty.
	VisitorID    string
	VisitorName  string
	VisitorEmail string
	VisitorPhone string
	Country      string
	// Language is the visitor's language hint, e.g. from Accept-Language.
	Language string

	Content    string
	Kind       store.ContentKind
	Attachment *store.Attachment
	// ClientMessageID lets clients match their optimistic copy to the stored message.
	ClientMessageID string
}

// StartResult carries everything the visitor needs to continue.
type StartResult struct {
	Conversation *store.Conversation
	Message      *store.Message
	// AutoReply is the automated reply or holding message, if any.
	AutoReply   *store.Message
	IsReturning bool
}

// SendRequest is a message into an existing conversation.
type SendRequest struct {
	ConversationID string
	Role           store.Role
	ActorID        string
	Content        string
	Kind           store.ContentKind
	Attachment     *store.Attachment
	// Language is a hint for visitor messages.
	Language        string
	ClientMessageID string
	// SubscriberID is the sender's own subscription, excluded from the echo.
	SubscriberID string
}

// SendResult is the stored message and any automated answer to it.
type SendResult struct {
	Message   *store.Message
	AutoReply *store.Message
}

// Start creates a conversation from a visitor's first message and runs the
// automation gate on it. The reply, if any, is returned synchronously.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if strings.TrimSpace(req.WidgetKey) == "" {
		return nil, invalid("widget_key", "is required")
	}
	kind, err := validateContent(req.Content, req.Kind, req.Attachment)
	if err != nil {
		return nil, err
	}
	profile := VisitorProfile{Name: req.VisitorName, Email: req.VisitorEmail, Phone: req.VisitorPhone}
	if err := profile.validate(); err != nil {
		return nil, err
	}

	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = req.WidgetKey
	}
	visitorID := req.VisitorID
	if visitorID == "" {
		visitorID = uuid.New().String()
	}

	if s.usage != nil && !s.usage.CanUse(ctx, ownerID, featureConversations) {
		return nil, ErrLimitReached
	}

	previous, err := s.store.ListConversationsByVisitor(ctx, visitorID, 1)
	if err != nil {
		return nil, fmt.Errorf("looking up visitor history: %w", err)
	}
	isReturning := len(previous) > 0

	content, meta, lang := s.translator.Inbound(ctx, req.Content, req.Language)

	now := s.now()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		WidgetKey:      req.WidgetKey,
		VisitorID:      visitorID,
		Status:         store.StatusOpen,
		Language:       lang,
		VisitorName:    strings.TrimSpace(req.VisitorName),
		VisitorEmail:   strings.TrimSpace(req.VisitorEmail),
		VisitorPhone:   strings.TrimSpace(req.VisitorPhone),
		Country:        req.Country,
		UnreadByAgent:  true,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	unlock, err := s.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		unlock()
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	msg := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleVisitor,
		ActorID:        visitorID,
		Kind:           kind,
		Content:        content,
		Attachment:     req.Attachment,
		Metadata:       withClientID(meta, req.ClientMessageID),
		CreatedAt:      now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		unlock()
		return nil, fmt.Errorf("recording first message: %w", err)
	}
	unlock()

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"owner_id", ownerID,
		"returning", isReturning,
		"language", lang)

	if s.usage != nil {
		if err := s.usage.IncrementUsage(ctx, ownerID, featureConversations); err != nil {
			s.logger.Warn("counting conversation usage failed", "conversation_id", conv.ID, "error", err)
		}
	}

	s.channel.Publish(conv.ID, newMessageEvent(msg), "")
	s.notifyNewConversation(ctx, conv, msg, isReturning)

	reply := s.automate(ctx, conv, msg, true)

	return &StartResult{
		Conversation: conv,
		Message:      msg,
		AutoReply:    reply,
		IsReturning:  isReturning,
	}, nil
}

// SendMessage appends a visitor, agent or bot message. Visitor messages are
// translated into the canonical language and run through the automation
// gate; agent and bot messages are translated into the visitor's language.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	switch req.Role {
	case store.RoleVisitor, store.RoleAgent, store.RoleBot:
	default:
		return nil, invalid("role", fmt.Sprintf("%q cannot send messages", req.Role))
	}
	kind, err := validateContent(req.Content, req.Kind, req.Attachment)
	if err != nil {
		return nil, err
	}

	// Translation runs outside the lock; the conversation is re-read below.
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOpen() {
		return nil, stateError(conv, "send", ErrConversationNotOpen)
	}

	content, meta, lang := req.Content, map[string]string(nil), ""
	if req.Role == store.RoleVisitor {
		content, meta, lang = s.translator.Inbound(ctx, req.Content, req.Language)
	} else {
		content, meta = s.translator.Outbound(ctx, req.Content, conv.Language)
	}

	unlock, err := s.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err = s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOpen() {
		return nil, stateError(conv, "send", ErrConversationNotOpen)
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		Role:           req.Role,
		ActorID:        req.ActorID,
		Kind:           kind,
		Content:        content,
		Attachment:     req.Attachment,
		Metadata:       withClientID(meta, req.ClientMessageID),
	}
	if req.Role == store.RoleVisitor && lang != "" {
		conv.Language = lang
	}
	if err := s.appendLocked(ctx, conv, msg); err != nil {
		return nil, err
	}

	if req.Role == store.RoleAgent {
		s.endEscalationLocked(ctx, conv.ID)
	}
	unlock()

	s.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"role", msg.Role)

	s.channel.Publish(conv.ID, newMessageEvent(msg), req.SubscriberID)

	result := &SendResult{Message: msg}
	if req.Role == store.RoleVisitor {
		result.AutoReply = s.automate(ctx, conv, msg, false)
	}
	return result, nil
}

// appendLocked stamps and stores msg and updates the conversation's activity
// and unread flags. The caller holds the conversation lock.
func (s *Service) appendLocked(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	now := s.now()
	// Keep (created_at, id) consistent with id order even if the clock steps back.
	if now.Before(conv.LastActivityAt) {
		now = conv.LastActivityAt
	}
	msg.CreatedAt = now
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording message: %w", err)
	}

	conv.LastActivityAt = now
	switch msg.Role {
	case store.RoleVisitor:
		conv.UnreadByAgent = true
	case store.RoleAgent, store.RoleBot:
		conv.UnreadByVisitor = true
	}
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return nil
}

// appendSystemLocked records an engine-authored audit message.
func (s *Service) appendSystemLocked(ctx context.Context, conv *store.Conversation, content string, meta map[string]string) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleSystem,
		Kind:           store.KindText,
		Content:        content,
		Metadata:       meta,
	}
	if err := s.appendLocked(ctx, conv, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) endEscalationLocked(ctx context.Context, conversationID string) {
	ac, err := s.store.GetAutomationContext(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("reading automation context failed", "conversation_id", conversationID, "error", err)
		}
		return
	}
	if !automation.EndEscalation(ac, s.now()) {
		return
	}
	if err := s.store.SaveAutomationContext(ctx, ac); err != nil {
		s.logger.Warn("saving automation context failed", "conversation_id", conversationID, "error", err)
	}
}

// CloseRequest closes an open conversation.
type CloseRequest struct {
	ConversationID string
	// ClosedBy is the closing side: visitor, agent or system.
	ClosedBy     string
	Reason       string
	SubscriberID string
}

// Close moves an open conversation to closed, records who closed it, and
// discards any automated reply still in flight.
func (s *Service) Close(ctx context.Context, req CloseRequest) (*store.Conversation, error) {
	if req.ClosedBy == "" {
		return nil, invalid("closed_by", "is required")
	}
	if utf8.RuneCountInString(req.Reason) > MaxCommentLength {
		return nil, invalid("reason", "is too long")
	}

	unlock, err := s.locks.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case store.StatusClosed:
		return nil, stateError(conv, "close", ErrAlreadyClosed)
	case store.StatusArchived:
		return nil, stateError(conv, "close", ErrArchived)
	}

	now := s.now()
	conv.Status = store.StatusClosed
	conv.ClosedAt = &now
	conv.ClosedBy = req.ClosedBy
	conv.CloseReason = req.Reason

	meta := map[string]string{
		store.MetaSystemEvent: "closed",
		store.MetaClosedBy:    req.ClosedBy,
	}
	if req.Reason != "" {
		meta[store.MetaCloseReason] = req.Reason
	}
	sysMsg, err := s.appendSystemLocked(ctx, conv, "Conversation closed by "+req.ClosedBy, meta)
	if err != nil {
		return nil, err
	}
	unlock()

	s.cancelInflight(conv.ID)
	s.logger.Info("conversation closed",
		"conversation_id", conv.ID,
		"closed_by", req.ClosedBy,
		"reason", req.Reason)

	s.channel.Publish(conv.ID, newMessageEvent(sysMsg), req.SubscriberID)
	s.channel.Publish(conv.ID, &Event{
		Type:           EventConversationClosed,
		ConversationID: conv.ID,
		Closed:         &ClosedState{Status: store.StatusClosed, ClosedBy: req.ClosedBy, Reason: req.Reason},
		At:             now,
	}, req.SubscriberID)

	if req.ClosedBy == string(store.RoleVisitor) || s.channel.SubscriberCount(conv.ID, store.RoleAgent) == 0 {
		s.notifyClosed(ctx, conv)
	}
	return conv, nil
}

// Reopen moves a closed conversation back to open.
func (s *Service) Reopen(ctx context.Context, conversationID, subscriberID string) (*store.Conversation, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case store.StatusOpen:
		return nil, stateError(conv, "reopen", ErrNotClosed)
	case store.StatusArchived:
		return nil, stateError(conv, "reopen", ErrArchived)
	}

	conv.Status = store.StatusOpen
	conv.ClosedAt = nil
	conv.ClosedBy = ""
	conv.CloseReason = ""

	sysMsg, err := s.appendSystemLocked(ctx, conv, "Conversation reopened", map[string]string{
		store.MetaSystemEvent: "reopened",
	})
	if err != nil {
		return nil, err
	}
	unlock()

	s.logger.Info("conversation reopened", "conversation_id", conv.ID)
	s.channel.Publish(conv.ID, newMessageEvent(sysMsg), subscriberID)
	return conv, nil
}

// Archive moves an open or closed conversation to archived. It is one-way.
func (s *Service) Archive(ctx context.Context, conversationID, subscriberID string) (*store.Conversation, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusArchived {
		return nil, stateError(conv, "archive", ErrArchived)
	}

	conv.Status = store.StatusArchived
	conv.ClosedAt = nil
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("archiving conversation: %w", err)
	}
	unlock()

	s.cancelInflight(conv.ID)
	s.logger.Info("conversation archived", "conversation_id", conv.ID)
	s.channel.Publish(conv.ID, &Event{
		Type:           EventConversationClosed,
		ConversationID: conv.ID,
		Closed:         &ClosedState{Status: store.StatusArchived, ClosedBy: conv.ClosedBy, Reason: conv.CloseReason},
		At:             s.now(),
	}, subscriberID)
	return conv, nil
}

// Rate records the visitor's score (1..5) and optional comment. The last
// rating wins. Status does not change.
func (s *Service) Rate(ctx context.Context, conversationID string, score int, comment, subscriberID string) (*store.Conversation, error) {
	if score < 1 || score > 5 {
		return nil, invalid("rating", "must be between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return nil, invalid("comment", "is too long")
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Rating = &score
	conv.RatingComment = comment

	meta := map[string]string{
		store.MetaSystemEvent: "rated",
		store.MetaRating:      fmt.Sprint(score),
	}
	if comment != "" {
		meta[store.MetaRatingComment] = comment
	}
	sysMsg, err := s.appendSystemLocked(ctx, conv, fmt.Sprintf("Visitor rated the conversation %d/5", score), meta)
	if err != nil {
		return nil, err
	}
	unlock()

	s.logger.Info("conversation rated", "conversation_id", conv.ID, "rating", score)
	s.channel.Publish(conv.ID, newMessageEvent(sysMsg), subscriberID)
	if conv.Status == store.StatusClosed {
		s.notifyClosed(ctx, conv)
	}
	return conv, nil
}

// MarkDelivered flags messages up to upToID as delivered to recipient.
func (s *Service) MarkDelivered(ctx context.Context, conversationID string, recipient store.Role, upToID int64) (int64, error) {
	if !recipient.Valid() || recipient == store.RoleSystem {
		return 0, invalid("role", "must be visitor, agent or bot")
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	return s.store.MarkDelivered(ctx, conversationID, upToID, recipient, s.now())
}

// MarkRead flags messages up to upToID as read by reader, clears the
// reader's unread flag and tells the other side.
func (s *Service) MarkRead(ctx context.Context, conversationID string, reader store.Role, upToID int64, subscriberID string) (int64, error) {
	if !reader.Valid() || reader == store.RoleSystem {
		return 0, invalid("role", "must be visitor, agent or bot")
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n, err := s.store.MarkRead(ctx, conversationID, upToID, reader, now)
	if err != nil {
		return 0, err
	}

	changed := false
	if reader == store.RoleVisitor && conv.UnreadByVisitor {
		conv.UnreadByVisitor, changed = false, true
	}
	if reader != store.RoleVisitor && conv.UnreadByAgent {
		conv.UnreadByAgent, changed = false, true
	}
	if changed {
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			return 0, fmt.Errorf("updating unread flags: %w", err)
		}
	}
	unlock()

	if n > 0 {
		s.channel.Publish(conversationID, &Event{
			Type:           EventMessagesRead,
			ConversationID: conversationID,
			Read:           &ReadState{Reader: reader, UpToID: upToID},
			At:             now,
		}, subscriberID)
	}
	return n, nil
}

// VisitorProfile holds the optional contact fields a visitor may fill in.
type VisitorProfile struct {
	Name  string
	Email string
	Phone string
}

func (p VisitorProfile) validate() error {
	for field, v := range map[string]string{"name": p.Name, "email": p.Email, "phone": p.Phone} {
		if utf8.RuneCountInString(v) > MaxProfileField {
			return invalid(field, "is too long")
		}
	}
	if email := strings.TrimSpace(p.Email); email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return invalid("email", "is not a valid address")
		}
	}
	return nil
}

// UpdateVisitor replaces the visitor's contact fields. Empty fields are kept.
func (s *Service) UpdateVisitor(ctx context.Context, conversationID string, profile VisitorProfile) (*store.Conversation, error) {
	if err := profile.validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(profile.Name); v != "" {
		conv.VisitorName = v
	}
	if v := strings.TrimSpace(profile.Email); v != "" {
		conv.VisitorEmail = v
	}
	if v := strings.TrimSpace(profile.Phone); v != "" {
		conv.VisitorPhone = v
	}
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("updating visitor: %w", err)
	}
	return conv, nil
}

// TypingRequest announces that a participant started or stopped typing.
type TypingRequest struct {
	ConversationID string
	Role           store.Role
	ActorID        string
	IsTyping       bool
	SubscriberID   string
}

// SetTyping publishes a typing event to the other participants.
func (s *Service) SetTyping(ctx context.Context, req TypingRequest) error {
	switch req.Role {
	case store.RoleVisitor, store.RoleAgent:
	default:
		return invalid("role", "must be visitor or agent")
	}
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsOpen() {
		return stateError(conv, "typing", ErrConversationNotOpen)
	}
	s.channel.Publish(conv.ID, typingEvent(conv.ID, TypingState{
		IsTyping: req.IsTyping,
		Role:     req.Role,
		ActorID:  req.ActorID,
	}, s.now()), req.SubscriberID)
	return nil
}

// GetConversation returns a conversation by id.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// GetMessages returns one page of messages older than beforeID, newest
// first. beforeID zero starts at the newest message.
func (s *Service) GetMessages(ctx context.Context, conversationID string, beforeID int64, limit int) (*store.MessagePage, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessagesBefore(ctx, conversationID, beforeID, limit)
}

// MessagesSince returns messages newer than afterID, oldest first.
func (s *Service) MessagesSince(ctx context.Context, conversationID string, afterID int64, limit int) ([]*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessagesAfter(ctx, conversationID, afterID, limit)
}

// ListByVisitor returns a visitor's conversations, most recent first.
func (s *Service) ListByVisitor(ctx context.Context, visitorID string, limit int) ([]*store.Conversation, error) {
	if visitorID == "" {
		return nil, invalid("visitor_id", "is required")
	}
	return s.store.ListConversationsByVisitor(ctx, visitorID, limit)
}

// ListByOwner returns an owner's conversations by last activity. An empty
// status lists all.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, status store.ConversationStatus, limit int) ([]*store.Conversation, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "is required")
	}
	if status != "" && !status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	return s.store.ListConversationsByOwner(ctx, ownerID, status, limit)
}

func validateContent(content string, kind store.ContentKind, att *store.Attachment) (store.ContentKind, error) {
	if att != nil {
		if att.URL == "" {
			return "", invalid("attachment", "url is required")
		}
		if kind == "" || kind == store.KindText {
			kind = store.KindFile
			if strings.HasPrefix(att.MimeType, "image/") {
				kind = store.KindImage
			}
		}
		if kind != store.KindFile && kind != store.KindImage {
			return "", invalid("kind", fmt.Sprintf("unknown kind %q", kind))
		}
	} else {
		if kind != "" && kind != store.KindText {
			return "", invalid("attachment", "is required for "+string(kind)+" messages")
		}
		kind = store.KindText
		if strings.TrimSpace(content) == "" {
			return "", invalid("content", "is required")
		}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", invalid("content", "is too long")
	}
	return kind, nil
}

func withClientID(meta map[string]string, clientID string) map[string]string {
	if clientID == "" {
		return meta
	}
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[store.MetaClientMessageID] = clientID
	return meta
}

func (s *Service) notifyNewConversation(ctx context.Context, conv *store.Conversation, first *store.Message, isReturning bool) {
	err := s.notifier.NotifyNewConversation(ctx, notify.NewConversation{
		OwnerID:        conv.OwnerID,
		ConversationID: conv.ID,
		VisitorName:    conv.VisitorName,
		Country:        conv.Country,
		IsReturning:    isReturning,
		Preview:        preview(first),
	})
	if err != nil {
		s.logger.Warn("new conversation notification failed", "conversation_id", conv.ID, "error", err)
	}
}

func (s *Service) notifyNewMessage(ctx context.Context, conv *store.Conversation, text string, urgent bool, reason string) {
	err := s.notifier.NotifyNewMessage(ctx, notify.NewMessage{
		OwnerID:        conv.OwnerID,
		ConversationID: conv.ID,
		VisitorName:    conv.VisitorName,
		Preview:        text,
		Urgent:         urgent,
		Reason:         reason,
	})
	if err != nil {
		s.logger.Warn("new message notification failed", "conversation_id", conv.ID, "error", err)
	}
}

func (s *Service) notifyClosed(ctx context.Context, conv *store.Conversation) {
	err := s.notifier.NotifyConversationClosed(ctx, notify.ConversationClosed{
		OwnerID:        conv.OwnerID,
		ConversationID: conv.ID,
		VisitorName:    conv.VisitorName,
		ClosedBy:       conv.ClosedBy,
		Reason:         conv.CloseReason,
		Rating:         conv.Rating,
		Comment:        conv.RatingComment,
	})
	if err != nil {
		s.logger.Warn("close notification failed", "conversation_id", conv.ID, "error", err)
	}
}

func preview(m *store.Message) string {
	if m.Attachment != nil && m.Content == "" {
		return "[" + m.Attachment.Name + "]"
	}
	return m.Content
}
