// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection, not just the first.
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			widget_key        TEXT NOT NULL,
			visitor_id        TEXT NOT NULL,
			status            TEXT NOT NULL,
			language          TEXT NOT NULL DEFAULT '',
			visitor_name      TEXT NOT NULL DEFAULT '',
			visitor_email     TEXT NOT NULL DEFAULT '',
			visitor_phone     TEXT NOT NULL DEFAULT '',
			country           TEXT NOT NULL DEFAULT '',
			unread_by_agent   INTEGER NOT NULL DEFAULT 0,
			unread_by_visitor INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			last_activity_at  TEXT NOT NULL,
			closed_at         TEXT,
			closed_by         TEXT NOT NULL DEFAULT '',
			close_reason      TEXT NOT NULL DEFAULT '',
			rating            INTEGER,
			rating_comment    TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('open', 'closed', 'archived')),
			CHECK ((status = 'closed') = (closed_at IS NOT NULL)),
			CHECK (rating IS NULL OR (rating BETWEEN 1 AND 5))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_visitor
			ON conversations(visitor_id, last_activity_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_owner
			ON conversations(owner_id, last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			actor_id        TEXT NOT NULL DEFAULT '',
			kind            TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL DEFAULT '',
			attachment_url  TEXT,
			attachment_name TEXT,
			attachment_mime TEXT,
			attachment_size INTEGER,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,
			delivered_at    TEXT,
			read_at         TEXT,

			CHECK (role IN ('visitor', 'agent', 'bot', 'system')),
			CHECK (kind IN ('text', 'image', 'file')),
			CHECK (kind = 'text' OR attachment_url IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_role
			ON messages(conversation_id, role, id);

		CREATE TABLE IF NOT EXISTS automation_contexts (
			conversation_id      TEXT PRIMARY KEY REFERENCES conversations(id),
			reply_count          INTEGER NOT NULL DEFAULT 0,
			last_reply_at        TEXT,
			quota_hit_at         TEXT,
			last_quota_notify_at TEXT,
			escalated_at         TEXT,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feature_usage (
			owner_id TEXT NOT NULL,
			feature  TEXT NOT NULL,
			period   TEXT NOT NULL,
			count    INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (owner_id, feature, period)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "country",
			apply:  `ALTER TABLE conversations ADD COLUMN country TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "actor_id",
			apply:  `ALTER TABLE messages ADD COLUMN actor_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE/PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY")
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const conversationColumns = `
	id, owner_id, widget_key, visitor_id, status, language,
	visitor_name, visitor_email, visitor_phone, country,
	unread_by_agent, unread_by_visitor, created_at, last_activity_at,
	closed_at, closed_by, close_reason, rating, rating_comment
`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, createdAt, lastActivity string
	var unreadAgent, unreadVisitor int
	var closedAt sql.NullString
	var rating sql.NullInt64

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.WidgetKey, &c.VisitorID, &status, &c.Language,
		&c.VisitorName, &c.VisitorEmail, &c.VisitorPhone, &c.Country,
		&unreadAgent, &unreadVisitor, &createdAt, &lastActivity,
		&closedAt, &c.ClosedBy, &c.CloseReason, &rating, &c.RatingComment,
	)
	if err != nil {
		return nil, err
	}

	c.Status = ConversationStatus(status)
	c.UnreadByAgent = unreadAgent != 0
	c.UnreadByVisitor = unreadVisitor != 0

	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if c.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	if rating.Valid {
		r := int(rating.Int64)
		c.Rating = &r
	}
	return &c, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if the id is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.WidgetKey, c.VisitorID, string(c.Status), c.Language,
		c.VisitorName, c.VisitorEmail, c.VisitorPhone, c.Country,
		boolToInt(c.UnreadByAgent), boolToInt(c.UnreadByVisitor),
		formatTime(c.CreatedAt), formatTime(c.LastActivityAt),
		formatTimePtr(c.ClosedAt), c.ClosedBy, c.CloseReason, ratingArg(c.Rating), c.RatingComment,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "owner", c.OwnerID, "visitor", c.VisitorID)
	return nil
}

func ratingArg(r *int) any {
	if r == nil {
		return nil
	}
	return *r
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// UpdateConversation writes every mutable conversation field.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	query := `
		UPDATE conversations
		SET status = ?, language = ?, visitor_name = ?, visitor_email = ?, visitor_phone = ?,
		    country = ?, unread_by_agent = ?, unread_by_visitor = ?, last_activity_at = ?,
		    closed_at = ?, closed_by = ?, close_reason = ?, rating = ?, rating_comment = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(c.Status), c.Language, c.VisitorName, c.VisitorEmail, c.VisitorPhone,
		c.Country, boolToInt(c.UnreadByAgent), boolToInt(c.UnreadByVisitor), formatTime(c.LastActivityAt),
		formatTimePtr(c.ClosedAt), c.ClosedBy, c.CloseReason, ratingArg(c.Rating), c.RatingComment,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", c.ID, "status", c.Status)
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// ListConversationsByVisitor returns a visitor's conversations, most recent activity first.
func (s *SQLiteStore) ListConversationsByVisitor(ctx context.Context, visitorID string, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE visitor_id = ?
		ORDER BY last_activity_at DESC
		LIMIT ?`
	return s.queryConversations(ctx, query, visitorID, clampLimit(limit))
}

// ListConversationsByOwner returns an owner's conversations, most recent activity first.
// An empty status lists every status.
func (s *SQLiteStore) ListConversationsByOwner(ctx context.Context, ownerID string, status ConversationStatus, limit int) ([]*Conversation, error) {
	if status == "" {
		query := `SELECT ` + conversationColumns + `
			FROM conversations
			WHERE owner_id = ?
			ORDER BY last_activity_at DESC
			LIMIT ?`
		return s.queryConversations(ctx, query, ownerID, clampLimit(limit))
	}
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE owner_id = ? AND status = ?
		ORDER BY last_activity_at DESC
		LIMIT ?`
	return s.queryConversations(ctx, query, ownerID, string(status), clampLimit(limit))
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

const messageColumns = `
	id, conversation_id, role, actor_id, kind, content,
	attachment_url, attachment_name, attachment_mime, attachment_size,
	metadata_json, created_at, delivered_at, read_at
`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var role, kind, createdAt string
	var attURL, attName, attMime, metadata, deliveredAt, readAt sql.NullString
	var attSize sql.NullInt64

	err := row.Scan(
		&m.ID, &m.ConversationID, &role, &m.ActorID, &kind, &m.Content,
		&attURL, &attName, &attMime, &attSize,
		&metadata, &createdAt, &deliveredAt, &readAt,
	)
	if err != nil {
		return nil, err
	}

	m.Role = Role(role)
	m.Kind = ContentKind(kind)
	if attURL.Valid {
		m.Attachment = &Attachment{
			URL:      attURL.String,
			Name:     attName.String,
			MimeType: attMime.String,
			Size:     attSize.Int64,
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return nil, fmt.Errorf("parsing delivered_at: %w", err)
	}
	if m.ReadAt, err = parseTimePtr(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	return &m, nil
}

// AppendMessage inserts a message and assigns its ID.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	var metadata any
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(raw)
	}

	kind := m.Kind
	if kind == "" {
		kind = KindText
	}

	var attURL, attName, attMime, attSize any
	if m.Attachment != nil {
		attURL = m.Attachment.URL
		attName = m.Attachment.Name
		attMime = m.Attachment.MimeType
		attSize = m.Attachment.Size
	}

	query := `
		INSERT INTO messages (
			conversation_id, role, actor_id, kind, content,
			attachment_url, attachment_name, attachment_mime, attachment_size,
			metadata_json, created_at, delivered_at, read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		m.ConversationID, string(m.Role), m.ActorID, string(kind), m.Content,
		attURL, attName, attMime, attSize,
		metadata, formatTime(m.CreatedAt), formatTimePtr(m.DeliveredAt), formatTimePtr(m.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	m.ID = id
	m.Kind = kind

	s.logger.Debug("saved message", "id", m.ID, "conversation_id", m.ConversationID, "role", m.Role)
	return nil
}

// GetMessage retrieves a single message of a conversation.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID string, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListMessagesBefore returns up to limit messages older than beforeID, newest first.
// A beforeID of 0 starts from the newest message.
func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, conversationID string, beforeID int64, limit int) (*MessagePage, error) {
	limit = clampLimit(limit)

	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ? AND id < ?
			ORDER BY id DESC
			LIMIT ?`, conversationID, beforeID, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?`, conversationID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return newMessagePage(msgs, limit), nil
}

// newMessagePage trims a limit+1 result set into a page.
func newMessagePage(msgs []*Message, limit int) *MessagePage {
	page := &MessagePage{}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	page.Messages = msgs
	if len(msgs) > 0 {
		page.OldestID = msgs[len(msgs)-1].ID
	}
	return page
}

// ListMessagesAfter returns up to limit messages newer than afterID, oldest first.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, conversationID, afterID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// LastMessageByRole returns the newest message with the given role.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) LastMessageByRole(ctx context.Context, conversationID string, role Role) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND role = ?
		ORDER BY id DESC
		LIMIT 1`, conversationID, string(role))
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying last message: %w", err)
	}
	return m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// otherSideRoles lists the roles whose messages are addressed to the given side.
func otherSideRoles(side Role) []any {
	switch side {
	case RoleVisitor:
		return []any{string(RoleAgent), string(RoleBot), string(RoleSystem)}
	default:
		return []any{string(RoleVisitor), string(RoleSystem)}
	}
}

// MarkDelivered stamps delivered_at on messages addressed to recipient up to upToID.
// Returns the number of messages newly marked.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, conversationID string, upToID int64, recipient Role, at time.Time) (int64, error) {
	roles := otherSideRoles(recipient)
	args := append([]any{formatTime(at), conversationID, upToID}, roles...)
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = ?
		WHERE conversation_id = ? AND id <= ? AND delivered_at IS NULL
		  AND role IN (`+placeholders(len(roles))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking delivered: %w", err)
	}
	return result.RowsAffected()
}

// MarkRead stamps read_at (and delivered_at if missing) on messages addressed to reader up to upToID.
// Returns the number of messages newly marked.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID string, upToID int64, reader Role, at time.Time) (int64, error) {
	ts := formatTime(at)
	roles := otherSideRoles(reader)
	args := append([]any{ts, ts, conversationID, upToID}, roles...)
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE conversation_id = ? AND id <= ? AND read_at IS NULL
		  AND role IN (`+placeholders(len(roles))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}
	return result.RowsAffected()
}

// GetAutomationContext returns the automation context of a conversation.
// Returns ErrNotFound if automation never ran for it.
func (s *SQLiteStore) GetAutomationContext(ctx context.Context, conversationID string) (*AutomationContext, error) {
	var ac AutomationContext
	var lastReply, quotaHit, lastNotify, escalated sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, reply_count, last_reply_at, quota_hit_at,
		       last_quota_notify_at, escalated_at, updated_at
		FROM automation_contexts
		WHERE conversation_id = ?`, conversationID).Scan(
		&ac.ConversationID, &ac.ReplyCount, &lastReply, &quotaHit,
		&lastNotify, &escalated, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying automation context: %w", err)
	}

	if ac.LastReplyAt, err = parseTimePtr(lastReply); err != nil {
		return nil, fmt.Errorf("parsing last_reply_at: %w", err)
	}
	if ac.QuotaHitAt, err = parseTimePtr(quotaHit); err != nil {
		return nil, fmt.Errorf("parsing quota_hit_at: %w", err)
	}
	if ac.LastQuotaNotifyAt, err = parseTimePtr(lastNotify); err != nil {
		return nil, fmt.Errorf("parsing last_quota_notify_at: %w", err)
	}
	if ac.EscalatedAt, err = parseTimePtr(escalated); err != nil {
		return nil, fmt.Errorf("parsing escalated_at: %w", err)
	}
	if ac.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &ac, nil
}

// SaveAutomationContext upserts the automation context of a conversation.
func (s *SQLiteStore) SaveAutomationContext(ctx context.Context, ac *AutomationContext) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_contexts (
			conversation_id, reply_count, last_reply_at, quota_hit_at,
			last_quota_notify_at, escalated_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			reply_count = excluded.reply_count,
			last_reply_at = excluded.last_reply_at,
			quota_hit_at = excluded.quota_hit_at,
			last_quota_notify_at = excluded.last_quota_notify_at,
			escalated_at = excluded.escalated_at,
			updated_at = excluded.updated_at`,
		ac.ConversationID, ac.ReplyCount, formatTimePtr(ac.LastReplyAt), formatTimePtr(ac.QuotaHitAt),
		formatTimePtr(ac.LastQuotaNotifyAt), formatTimePtr(ac.EscalatedAt), formatTime(ac.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving automation context: %w", err)
	}
	s.logger.Debug("saved automation context",
		"conversation_id", ac.ConversationID,
		"reply_count", ac.ReplyCount)
	return nil
}

// Ensure SQLiteStore implements the store interfaces
var (
	_ Store      = (*SQLiteStore)(nil)
	_ UsageStore = (*SQLiteStore)(nil)
)
