// ABOUTME: Matrix notifier posting one text message per notification to a support room
// ABOUTME: Uses mautrix with a plain access token; no sync loop or encryption

package notify

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig identifies the bot account and target room.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
	// PublicURL, when set, is used to link each notification to the conversation.
	PublicURL string
}

// textSender is the subset of *mautrix.Client the notifier uses.
type textSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// MatrixNotifier posts notifications into a Matrix room.
type MatrixNotifier struct {
	client    textSender
	roomID    id.RoomID
	publicURL string
	logger    *slog.Logger
}

// NewMatrixNotifier creates a Matrix client and notifier. Pass nil logger for default.
func NewMatrixNotifier(cfg MatrixConfig, logger *slog.Logger) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrixNotifier(client, cfg, logger), nil
}

func newMatrixNotifier(client textSender, cfg MatrixConfig, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixNotifier{
		client:    client,
		roomID:    id.RoomID(cfg.RoomID),
		publicURL: cfg.PublicURL,
		logger:    logger.With("component", "matrix_notify"),
	}
}

func (m *MatrixNotifier) send(ctx context.Context, conversationID, text string) error {
	if m.publicURL != "" {
		text += "\n" + m.publicURL + "/conversations/" + conversationID
	}
	resp, err := m.client.SendText(ctx, m.roomID, text)
	if err != nil {
		return fmt.Errorf("sending matrix notification: %w", err)
	}
	m.logger.Debug("notification sent", "conversation_id", conversationID, "event_id", resp.EventID)
	return nil
}

// NotifyNewConversation implements Notifier.
func (m *MatrixNotifier) NotifyNewConversation(ctx context.Context, n NewConversation) error {
	return m.send(ctx, n.ConversationID, Format(n))
}

// NotifyNewMessage implements Notifier.
func (m *MatrixNotifier) NotifyNewMessage(ctx context.Context, n NewMessage) error {
	return m.send(ctx, n.ConversationID, Format(n))
}

// NotifyConversationClosed implements Notifier.
func (m *MatrixNotifier) NotifyConversationClosed(ctx context.Context, n ConversationClosed) error {
	return m.send(ctx, n.ConversationID, Format(n))
}

var _ Notifier = (*MatrixNotifier)(nil)
