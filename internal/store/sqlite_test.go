// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, message ordering, pagination, receipts and automation contexts

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeFactories lets every behavioural test run against both implementations.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}
}

func testConversation(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:             id,
		OwnerID:        "owner-1",
		WidgetKey:      "widget-1",
		VisitorID:      "visitor-1",
		Status:         StatusOpen,
		Language:       "de",
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func appendText(t *testing.T, s Store, convID string, role Role, content string, at time.Time) *Message {
	t.Helper()
	msg := &Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, testConversation("c1", time.Now().UTC())))
	_, err = s.GetConversation(ctx, "c1")
	assert.NoError(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.CreateConversation(ctx, testConversation("c1", time.Now().UTC())))
	appendText(t, s1, "c1", RoleVisitor, "hello", time.Now().UTC())
	require.NoError(t, s1.Close())

	// Migrations must be idempotent on an existing database.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	page, err := s2.ListMessagesBefore(ctx, "c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
}

func TestConversationRoundTrip(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			conv := testConversation("conv-1", now)
			conv.VisitorName = "Ada"
			conv.Country = "DE"
			require.NoError(t, s.CreateConversation(ctx, conv))

			got, err := s.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, StatusOpen, got.Status)
			assert.Equal(t, "de", got.Language)
			assert.Equal(t, "Ada", got.VisitorName)
			assert.Equal(t, "DE", got.Country)
			assert.True(t, got.CreatedAt.Equal(now))
			assert.Nil(t, got.ClosedAt)
			assert.Nil(t, got.Rating)

			err = s.CreateConversation(ctx, conv)
			assert.ErrorIs(t, err, ErrDuplicate)

			_, err = s.GetConversation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateConversation(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			conv := testConversation("conv-1", now)
			require.NoError(t, s.CreateConversation(ctx, conv))

			closedAt := now.Add(time.Minute)
			rating := 4
			conv.Status = StatusClosed
			conv.ClosedAt = &closedAt
			conv.ClosedBy = "agent-7"
			conv.CloseReason = "resolved"
			conv.Rating = &rating
			conv.RatingComment = "quick"
			conv.UnreadByAgent = true
			require.NoError(t, s.UpdateConversation(ctx, conv))

			got, err := s.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, got.Status)
			require.NotNil(t, got.ClosedAt)
			assert.True(t, got.ClosedAt.Equal(closedAt))
			assert.Equal(t, "agent-7", got.ClosedBy)
			assert.Equal(t, "resolved", got.CloseReason)
			require.NotNil(t, got.Rating)
			assert.Equal(t, 4, *got.Rating)
			assert.Equal(t, "quick", got.RatingComment)
			assert.True(t, got.UnreadByAgent)

			missing := testConversation("missing", now)
			assert.ErrorIs(t, s.UpdateConversation(ctx, missing), ErrNotFound)
		})
	}
}

func TestSQLiteStore_ClosedAtMatchesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := testConversation("conv-1", now)
	require.NoError(t, s.CreateConversation(ctx, conv))

	// closed without closed_at violates the table check
	conv.Status = StatusClosed
	assert.Error(t, s.UpdateConversation(ctx, conv))

	// open with closed_at is equally rejected
	conv.Status = StatusOpen
	conv.ClosedAt = &now
	assert.Error(t, s.UpdateConversation(ctx, conv))
}

func TestListConversations(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)

			for i := range 3 {
				c := testConversation(fmt.Sprintf("conv-%d", i), base)
				c.LastActivityAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, s.CreateConversation(ctx, c))
			}
			other := testConversation("other", base)
			other.VisitorID = "visitor-2"
			other.OwnerID = "owner-2"
			require.NoError(t, s.CreateConversation(ctx, other))

			byVisitor, err := s.ListConversationsByVisitor(ctx, "visitor-1", 10)
			require.NoError(t, err)
			require.Len(t, byVisitor, 3)
			assert.Equal(t, "conv-2", byVisitor[0].ID, "most recent activity first")
			assert.Equal(t, "conv-0", byVisitor[2].ID)

			limited, err := s.ListConversationsByVisitor(ctx, "visitor-1", 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			closedAt := base.Add(time.Hour)
			c1, err := s.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			c1.Status = StatusClosed
			c1.ClosedAt = &closedAt
			require.NoError(t, s.UpdateConversation(ctx, c1))

			open, err := s.ListConversationsByOwner(ctx, "owner-1", StatusOpen, 10)
			require.NoError(t, err)
			assert.Len(t, open, 2)

			all, err := s.ListConversationsByOwner(ctx, "owner-1", "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestAppendMessage_AssignsIncreasingIDs(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("a", now)))
			require.NoError(t, s.CreateConversation(ctx, testConversation("b", now)))

			var last int64
			for i := range 5 {
				conv := "a"
				if i%2 == 1 {
					conv = "b"
				}
				m := appendText(t, s, conv, RoleVisitor, "x", now)
				assert.Greater(t, m.ID, last)
				assert.Equal(t, KindText, m.Kind)
				last = m.ID
			}
		})
	}
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.AppendMessage(context.Background(), &Message{
				ConversationID: "nope",
				Role:           RoleVisitor,
				Content:        "hi",
				CreatedAt:      time.Now(),
			})
			assert.Error(t, err)
		})
	}
}

func TestMessageRoundTrip_MetadataAndAttachment(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			msg := &Message{
				ConversationID: "c",
				Role:           RoleVisitor,
				ActorID:        "visitor-1",
				Kind:           KindImage,
				Content:        "hello",
				Attachment: &Attachment{
					URL:      "/files/abc.png",
					Name:     "cat.png",
					MimeType: "image/png",
					Size:     1234,
				},
				Metadata: map[string]string{
					MetaOriginalText:     "hallo",
					MetaOriginalLanguage: "de",
				},
				CreatedAt: now,
			}
			require.NoError(t, s.AppendMessage(ctx, msg))

			got, err := s.GetMessage(ctx, "c", msg.ID)
			require.NoError(t, err)
			assert.Equal(t, KindImage, got.Kind)
			assert.Equal(t, "visitor-1", got.ActorID)
			require.NotNil(t, got.Attachment)
			assert.Equal(t, "cat.png", got.Attachment.Name)
			assert.Equal(t, int64(1234), got.Attachment.Size)
			assert.Equal(t, "hallo", got.Metadata[MetaOriginalText])
			assert.True(t, got.Translated())
			assert.True(t, got.CreatedAt.Equal(now))

			_, err = s.GetMessage(ctx, "other", msg.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// Walking 25 messages backwards in pages of 8 visits every message exactly once.
func TestListMessagesBefore_Pagination(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			var ids []int64
			for i := range 25 {
				m := appendText(t, s, "c", RoleVisitor, fmt.Sprintf("m%d", i+1), now.Add(time.Duration(i)*time.Second))
				ids = append(ids, m.ID)
			}

			seen := make(map[int64]bool)
			var pageSizes []int
			var before int64
			for {
				page, err := s.ListMessagesBefore(ctx, "c", before, 8)
				require.NoError(t, err)
				pageSizes = append(pageSizes, len(page.Messages))
				for i, m := range page.Messages {
					assert.False(t, seen[m.ID], "message %d returned twice", m.ID)
					seen[m.ID] = true
					if i > 0 {
						assert.Less(t, m.ID, page.Messages[i-1].ID, "page must be newest first")
					}
				}
				if !page.HasMore {
					break
				}
				before = page.OldestID
			}

			assert.Equal(t, []int{8, 8, 8, 1}, pageSizes)
			assert.Len(t, seen, 25)
			for _, id := range ids {
				assert.True(t, seen[id])
			}
		})
	}
}

func TestListMessagesBefore_Empty(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", time.Now())))

			page, err := s.ListMessagesBefore(ctx, "c", 0, 8)
			require.NoError(t, err)
			assert.Empty(t, page.Messages)
			assert.False(t, page.HasMore)
			assert.Zero(t, page.OldestID)
		})
	}
}

func TestListMessagesAfter(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			var ids []int64
			for i := range 5 {
				ids = append(ids, appendText(t, s, "c", RoleVisitor, fmt.Sprint(i), now).ID)
			}

			msgs, err := s.ListMessagesAfter(ctx, "c", ids[1], 10)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, ids[2], msgs[0].ID, "oldest first")
			assert.Equal(t, ids[4], msgs[2].ID)

			msgs, err = s.ListMessagesAfter(ctx, "c", ids[4], 10)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestLastMessageByRole(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			_, err := s.LastMessageByRole(ctx, "c", RoleAgent)
			assert.ErrorIs(t, err, ErrNotFound)

			appendText(t, s, "c", RoleAgent, "first", now)
			appendText(t, s, "c", RoleVisitor, "q", now)
			last := appendText(t, s, "c", RoleAgent, "second", now)

			got, err := s.LastMessageByRole(ctx, "c", RoleAgent)
			require.NoError(t, err)
			assert.Equal(t, last.ID, got.ID)
			assert.Equal(t, "second", got.Content)
		})
	}
}

func TestReceipts(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			v1 := appendText(t, s, "c", RoleVisitor, "hi", now)
			a1 := appendText(t, s, "c", RoleAgent, "hello", now)
			b1 := appendText(t, s, "c", RoleBot, "auto", now)
			v2 := appendText(t, s, "c", RoleVisitor, "later", now)

			// Visitor receives agent and bot messages only.
			n, err := s.MarkDelivered(ctx, "c", b1.ID, RoleVisitor, now)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			n, err = s.MarkDelivered(ctx, "c", b1.ID, RoleVisitor, now)
			require.NoError(t, err)
			assert.Zero(t, n, "already delivered")

			// Agent reads visitor messages up to v1 only.
			n, err = s.MarkRead(ctx, "c", v1.ID, RoleAgent, now)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := s.GetMessage(ctx, "c", v1.ID)
			require.NoError(t, err)
			assert.NotNil(t, got.ReadAt)
			assert.NotNil(t, got.DeliveredAt, "read implies delivered")

			got, err = s.GetMessage(ctx, "c", v2.ID)
			require.NoError(t, err)
			assert.Nil(t, got.ReadAt)

			got, err = s.GetMessage(ctx, "c", a1.ID)
			require.NoError(t, err)
			assert.NotNil(t, got.DeliveredAt)
			assert.Nil(t, got.ReadAt)
			assert.Equal(t, "hello", got.Content, "receipts leave content untouched")
		})
	}
}

func TestAutomationContext(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

			_, err := s.GetAutomationContext(ctx, "c")
			assert.ErrorIs(t, err, ErrNotFound)

			ac := &AutomationContext{
				ConversationID: "c",
				ReplyCount:     2,
				LastReplyAt:    &now,
				UpdatedAt:      now,
			}
			require.NoError(t, s.SaveAutomationContext(ctx, ac))

			hit := now.Add(time.Minute)
			ac.ReplyCount = 3
			ac.QuotaHitAt = &hit
			ac.EscalatedAt = &hit
			require.NoError(t, s.SaveAutomationContext(ctx, ac))

			got, err := s.GetAutomationContext(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, 3, got.ReplyCount)
			require.NotNil(t, got.QuotaHitAt)
			assert.True(t, got.QuotaHitAt.Equal(hit))
			require.NotNil(t, got.EscalatedAt)
			assert.Nil(t, got.LastQuotaNotifyAt)
		})
	}
}

func TestUsageCounters(t *testing.T) {
	factories := map[string]func(t *testing.T) UsageStore{
		"sqlite": func(t *testing.T) UsageStore { return newTestStore(t) },
		"mock":   func(t *testing.T) UsageStore { return NewMockStore() },
	}
	for name, newStore := range factories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			n, err := s.GetUsage(ctx, "owner", "automation_replies", "2026-10")
			require.NoError(t, err)
			assert.Zero(t, n)

			for i := 1; i <= 3; i++ {
				n, err = s.IncrementUsage(ctx, "owner", "automation_replies", "2026-10")
				require.NoError(t, err)
				assert.Equal(t, int64(i), n)
			}

			n, err = s.GetUsage(ctx, "owner", "automation_replies", "2026-11")
			require.NoError(t, err)
			assert.Zero(t, n, "periods are independent")
		})
	}
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateConversation(ctx, testConversation("c", now)))

	const workers = 8
	errs := make(chan error, workers)
	for i := range workers {
		go func(i int) {
			errs <- s.AppendMessage(ctx, &Message{
				ConversationID: "c",
				Role:           RoleVisitor,
				Content:        fmt.Sprint(i),
				CreatedAt:      now,
			})
		}(i)
	}
	for range workers {
		require.NoError(t, <-errs)
	}

	page, err := s.ListMessagesBefore(ctx, "c", 0, 100)
	require.NoError(t, err)
	assert.Len(t, page.Messages, workers)
}

func TestSQLiteStore_MigrationAddsMissingColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A database created before visitor country was tracked.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE conversations (
		id TEXT PRIMARY KEY, owner_id TEXT NOT NULL, widget_key TEXT NOT NULL,
		visitor_id TEXT NOT NULL, status TEXT NOT NULL, language TEXT NOT NULL DEFAULT '',
		visitor_name TEXT NOT NULL DEFAULT '', visitor_email TEXT NOT NULL DEFAULT '',
		visitor_phone TEXT NOT NULL DEFAULT '', unread_by_agent INTEGER NOT NULL DEFAULT 0,
		unread_by_visitor INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL, closed_at TEXT, closed_by TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '', rating INTEGER, rating_comment TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	conv := testConversation("c", time.Now().UTC())
	conv.Country = "FR"
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	got, err := s.GetConversation(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "FR", got.Country)
}
