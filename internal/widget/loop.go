// ABOUTME: The widget's cooperative event loop: one goroutine owns conversation state
// ABOUTME: Two named timers (typingDebounce, pollInterval) and one subscription per active conversation

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

const (
	DefaultTypingDebounce  = 2 * time.Second
	DefaultPollInterval    = 3 * time.Second
	DefaultExtraPollCycles = 3
)

var (
	// ErrConversationClosed is returned when sending into a closed or
	// archived conversation. StartNew clears it so the next send starts over.
	ErrConversationClosed = errors.New("conversation is closed")
	// ErrLoopStopped is returned by calls made after Run has returned.
	ErrLoopStopped = errors.New("widget loop stopped")
	// ErrNoConversation is returned by operations that need an active conversation.
	ErrNoConversation = errors.New("no active conversation")
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	WidgetKey string
	Profile   VisitorProfile

	// TypingDebounce is how long after the last keystroke the typing-stop
	// signal is sent.
	TypingDebounce time.Duration
	// PollInterval spaces "messages since" polls.
	PollInterval time.Duration
	// ExtraPollCycles is how many polls continue after the other party
	// stops typing or the visitor sends.
	ExtraPollCycles int
	PageSize        int

	// DisableRealtime skips the WebSocket subscription and relies on polling.
	DisableRealtime bool
}

func (c *LoopConfig) applyDefaults() {
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ExtraPollCycles < 0 {
		c.ExtraPollCycles = 0
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
}

// UpdateKind names what changed.
type UpdateKind string

const (
	UpdateResumed    UpdateKind = "resumed"
	UpdateMessages   UpdateKind = "messages"
	UpdateTyping     UpdateKind = "typing"
	UpdateClosed     UpdateKind = "closed"
	UpdateRead       UpdateKind = "read"
	UpdateConnection UpdateKind = "connection"
)

// Update is one state change for the UI. Only the field matching Kind is set.
type Update struct {
	Kind UpdateKind

	Resumed *Resumed
	// Messages are newly seen messages, oldest first.
	Messages   []*store.Message
	Typing     *conversation.TypingState
	Closed     *conversation.ClosedState
	Read       *conversation.ReadState
	Subscribed bool
}

// Loop runs the visitor side of a conversation. All state lives on the
// goroutine running Run; other goroutines talk to it through the exported
// methods. Updates must be drained by a goroutine other than the one calling
// those methods.
type Loop struct {
	client  *Client
	session *Session
	cfg     LoopConfig
	logger  *slog.Logger

	cmds    chan func()
	updates chan Update
	done    chan struct{}

	// Owned by the Run goroutine.
	conv        *store.Conversation
	pager       *Pager
	seen        map[int64]struct{}
	lastID      int64
	sub         *Subscription
	gate        *pollGate
	localTyping bool
	pollPending bool

	typingDebounce *time.Timer
	pollInterval   *time.Timer
}

// NewLoop creates a Loop. Call Run to start it.
func NewLoop(client *Client, session *Session, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if tok := session.Token(); tok != "" {
		client.SetToken(tok)
	}
	return &Loop{
		client:  client,
		session: session,
		cfg:     cfg,
		logger:  logger.With("component", "widget"),
		cmds:    make(chan func()),
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
		seen:    make(map[int64]struct{}),
		gate:    newPollGate(cfg.ExtraPollCycles),
	}
}

// Updates returns the stream of state changes. It is closed when Run returns.
func (l *Loop) Updates() <-chan Update {
	return l.updates
}

// Run resumes the session and processes events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer close(l.updates)

	l.typingDebounce = stoppedTimer()
	l.pollInterval = stoppedTimer()
	defer l.typingDebounce.Stop()
	defer l.pollInterval.Stop()
	defer l.closeSubscription()

	res, err := Resume(ctx, l.client, l.session, l.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}
	l.conv = res.Conversation
	l.pager = res.Pager
	l.remember(res.Messages)
	l.emit(ctx, Update{Kind: UpdateResumed, Resumed: res})

	if l.conv != nil && l.conv.IsOpen() {
		l.subscribe(ctx)
	}
	l.schedulePoll()

	for {
		var events <-chan *conversation.Event
		if l.sub != nil {
			events = l.sub.Events()
		}

		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				l.subscriptionDropped(ctx)
				continue
			}
			l.handleEvent(ctx, ev)
		case <-l.typingDebounce.C:
			l.stopTyping(ctx)
		case <-l.pollInterval.C:
			l.pollPending = false
			l.poll(ctx)
		}
	}
}

// Send sends content as the visitor. The first send starts a conversation
// and subscribes to it.
func (l *Loop) Send(ctx context.Context, content string) error {
	return l.call(ctx, func() error { return l.send(ctx, content) })
}

// Typing records a keystroke. The typing-stop signal follows TypingDebounce
// after the last call.
func (l *Loop) Typing(ctx context.Context) error {
	return l.call(ctx, func() error { return l.startTyping(ctx) })
}

// SetVisible pauses polling while the widget is hidden.
func (l *Loop) SetVisible(ctx context.Context, visible bool) error {
	return l.call(ctx, func() error {
		l.gate.SetVisible(visible)
		l.schedulePoll()
		return nil
	})
}

// LoadOlder returns the next older history page, oldest first. It returns
// nil once the start of the conversation is reached.
func (l *Loop) LoadOlder(ctx context.Context) ([]*store.Message, error) {
	var msgs []*store.Message
	err := l.call(ctx, func() error {
		if l.pager == nil {
			return ErrNoConversation
		}
		older, err := l.pager.LoadOlder(ctx)
		if err != nil {
			return err
		}
		l.remember(older)
		msgs = older
		return nil
	})
	return msgs, err
}

// CloseConversation ends the active conversation from the visitor's side.
func (l *Loop) CloseConversation(ctx context.Context, reason string) error {
	return l.call(ctx, func() error {
		if l.conv == nil {
			return ErrNoConversation
		}
		conv, err := l.client.Close(ctx, l.conv.ID, reason, l.subscriberID())
		if err != nil {
			return err
		}
		l.setClosed(ctx, conv.Status, conv.ClosedBy, conv.CloseReason)
		return nil
	})
}

// Rate scores the active conversation.
func (l *Loop) Rate(ctx context.Context, score int, comment string) error {
	return l.call(ctx, func() error {
		if l.conv == nil {
			return ErrNoConversation
		}
		conv, err := l.client.Rate(ctx, l.conv.ID, score, comment)
		if err != nil {
			return err
		}
		l.conv = conv
		return nil
	})
}

// StartNew forgets the active conversation; the next Send starts a new one.
func (l *Loop) StartNew(ctx context.Context) error {
	return l.call(ctx, func() error {
		l.closeSubscription()
		l.cancelTyping()
		l.conv = nil
		l.pager = nil
		l.seen = make(map[int64]struct{})
		l.lastID = 0
		l.schedulePoll()
		return l.session.ClearConversation()
	})
}

func (l *Loop) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case l.cmds <- func() { errCh <- fn() }:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) send(ctx context.Context, content string) error {
	wasTyping := l.localTyping
	l.cancelTyping()

	if l.conv == nil {
		if err := l.start(ctx, content); err != nil {
			return err
		}
	} else {
		if !l.conv.IsOpen() {
			return ErrConversationClosed
		}
		res, err := l.client.Send(ctx, l.conv.ID, content, l.subscriberID())
		if IsStatus(err, http.StatusConflict) {
			l.refreshStatus(ctx)
			return ErrConversationClosed
		}
		if err != nil {
			return err
		}
		l.deliver(ctx, res.Message, res.AutoReply)
		if wasTyping {
			if err := l.client.SetTyping(ctx, l.conv.ID, false, l.subscriberID()); err != nil {
				l.logger.Debug("typing stop failed", "error", err)
			}
		}
	}

	l.gate.Sent()
	l.schedulePoll()
	return nil
}

// start opens a conversation with the first message and subscribes to it.
func (l *Loop) start(ctx context.Context, content string) error {
	visitorID, err := l.session.VisitorID()
	if err != nil {
		return fmt.Errorf("loading visitor id: %w", err)
	}
	res, err := l.client.Start(ctx, l.cfg.WidgetKey, visitorID, content, l.cfg.Profile)
	if err != nil {
		return err
	}

	if err := l.session.SetVisitorID(res.VisitorID); err != nil {
		return err
	}
	if res.VisitorToken != "" {
		if err := l.session.SetToken(res.VisitorToken); err != nil {
			return err
		}
		l.client.SetToken(res.VisitorToken)
	}
	if err := l.session.SetConversationID(res.ConversationID); err != nil {
		return err
	}

	l.conv = res.Conversation
	l.pager = NewPager(l.client, res.ConversationID, l.cfg.PageSize)
	l.logger.Info("conversation started", "conversation_id", res.ConversationID, "returning", res.IsReturning)
	l.deliver(ctx, res.Message, res.AutoReply)

	// Subscribe to the new topic before anything else can be missed.
	l.closeSubscription()
	l.subscribe(ctx)
	return nil
}

func (l *Loop) startTyping(ctx context.Context) error {
	if l.conv == nil || !l.conv.IsOpen() {
		return nil
	}
	if !l.localTyping {
		if err := l.client.SetTyping(ctx, l.conv.ID, true, l.subscriberID()); err != nil {
			return err
		}
		l.localTyping = true
	}
	l.typingDebounce.Reset(l.cfg.TypingDebounce)
	return nil
}

func (l *Loop) stopTyping(ctx context.Context) {
	if !l.localTyping || l.conv == nil {
		return
	}
	l.localTyping = false
	if err := l.client.SetTyping(ctx, l.conv.ID, false, l.subscriberID()); err != nil {
		l.logger.Debug("typing stop failed", "error", err)
	}
}

func (l *Loop) cancelTyping() {
	l.typingDebounce.Stop()
	l.localTyping = false
}

func (l *Loop) handleEvent(ctx context.Context, ev *conversation.Event) {
	if ev == nil || l.conv == nil || ev.ConversationID != l.conv.ID {
		return
	}
	switch ev.Type {
	case conversation.EventNewMessage:
		l.deliver(ctx, ev.Message)
	case conversation.EventTyping:
		if ev.Typing == nil || ev.Typing.Role == store.RoleVisitor {
			return
		}
		l.gate.PeerTyping(ev.Typing.IsTyping)
		l.schedulePoll()
		l.emit(ctx, Update{Kind: UpdateTyping, Typing: ev.Typing})
	case conversation.EventConversationClosed:
		if ev.Closed != nil {
			l.setClosed(ctx, ev.Closed.Status, ev.Closed.ClosedBy, ev.Closed.Reason)
		}
	case conversation.EventMessagesRead:
		if ev.Read != nil {
			l.emit(ctx, Update{Kind: UpdateRead, Read: ev.Read})
		}
	}
}

// poll fetches messages after the newest one seen. It also retries a
// dropped subscription.
func (l *Loop) poll(ctx context.Context) {
	if l.conv == nil {
		return
	}
	if l.sub == nil && !l.cfg.DisableRealtime && l.conv.IsOpen() {
		l.subscribe(ctx)
	}
	l.catchUp(ctx)
	l.gate.Polled()
	l.schedulePoll()
}

func (l *Loop) catchUp(ctx context.Context) {
	msgs, err := l.client.Since(ctx, l.conv.ID, l.lastID)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("poll failed", "conversation_id", l.conv.ID, "error", err)
		}
		return
	}
	l.deliver(ctx, msgs...)
}

func (l *Loop) schedulePoll() {
	if l.conv == nil || !l.gate.Active() {
		l.pollInterval.Stop()
		l.pollPending = false
		return
	}
	if !l.pollPending {
		l.pollInterval.Reset(l.cfg.PollInterval)
		l.pollPending = true
	}
}

func (l *Loop) subscribe(ctx context.Context) {
	if l.cfg.DisableRealtime || l.conv == nil {
		return
	}
	sub, err := l.client.Subscribe(ctx, l.conv.ID, l.logger)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("subscribe failed, polling instead", "conversation_id", l.conv.ID, "error", err)
		}
		l.gate.SetSubscribed(false)
		return
	}
	l.sub = sub
	l.gate.SetSubscribed(true)
	l.emit(ctx, Update{Kind: UpdateConnection, Subscribed: true})

	// Cover anything sent between the last fetch and the subscription.
	l.catchUp(ctx)
}

func (l *Loop) subscriptionDropped(ctx context.Context) {
	l.logger.Info("subscription dropped", "conversation_id", l.sub.ConversationID)
	l.sub.Close()
	l.sub = nil
	l.gate.SetSubscribed(false)
	l.emit(ctx, Update{Kind: UpdateConnection, Subscribed: false})
	l.schedulePoll()
}

func (l *Loop) closeSubscription() {
	if l.sub == nil {
		return
	}
	l.sub.Close()
	l.sub = nil
	l.gate.SetSubscribed(false)
}

func (l *Loop) subscriberID() string {
	if l.sub == nil {
		return ""
	}
	return l.sub.SubscriberID
}

// deliver merges msgs by id and emits the ones not seen before.
func (l *Loop) deliver(ctx context.Context, msgs ...*store.Message) {
	fresh := l.remember(msgs)
	if len(fresh) == 0 {
		return
	}
	l.emit(ctx, Update{Kind: UpdateMessages, Messages: fresh})

	var fromAgent bool
	for _, m := range fresh {
		if m.Role == store.RoleAgent || m.Role == store.RoleBot {
			fromAgent = true
		}
		l.applySystemEvent(ctx, m)
	}
	if fromAgent && l.gate.visible && l.conv != nil {
		if err := l.client.MarkRead(ctx, l.conv.ID, l.lastID); err != nil {
			l.logger.Debug("read receipt failed", "error", err)
		}
	}
}

// remember records msgs as seen and returns the new ones, oldest first.
func (l *Loop) remember(msgs []*store.Message) []*store.Message {
	var fresh []*store.Message
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, ok := l.seen[m.ID]; ok {
			continue
		}
		l.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
		if m.ID > l.lastID {
			l.lastID = m.ID
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	if err := l.session.CacheMessages(fresh); err != nil {
		l.logger.Warn("caching messages failed", "error", err)
	}
	return fresh
}

// applySystemEvent keeps the local status in step when updates arrive by
// polling rather than as conversation-closed events.
func (l *Loop) applySystemEvent(ctx context.Context, m *store.Message) {
	if m.Role != store.RoleSystem || l.conv == nil {
		return
	}
	switch m.Metadata[store.MetaSystemEvent] {
	case "closed":
		if l.conv.IsOpen() {
			l.setClosed(ctx, store.StatusClosed, m.Metadata[store.MetaClosedBy], m.Metadata[store.MetaCloseReason])
		}
	case "reopened":
		l.conv.Status = store.StatusOpen
		l.conv.ClosedAt = nil
	}
}

func (l *Loop) setClosed(ctx context.Context, status store.ConversationStatus, closedBy, reason string) {
	if l.conv == nil || l.conv.Status == status {
		return
	}
	l.conv.Status = status
	l.conv.ClosedBy = closedBy
	l.conv.CloseReason = reason
	l.cancelTyping()
	l.emit(ctx, Update{Kind: UpdateClosed, Closed: &conversation.ClosedState{
		Status:   status,
		ClosedBy: closedBy,
		Reason:   reason,
	}})
}

func (l *Loop) refreshStatus(ctx context.Context) {
	conv, err := l.client.Conversation(ctx, l.conv.ID)
	if err != nil {
		l.logger.Warn("refreshing conversation failed", "conversation_id", l.conv.ID, "error", err)
		return
	}
	l.setClosed(ctx, conv.Status, conv.ClosedBy, conv.CloseReason)
}

func (l *Loop) emit(ctx context.Context, u Update) {
	select {
	case l.updates <- u:
	case <-ctx.Done():
	}
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
