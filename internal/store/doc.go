// Package store provides persistent storage for the chat gateway using SQLite.
//
// # Architecture
//
// Two interfaces split the storage concerns:
//
//   - Store: conversations, messages, receipts and automation contexts
//   - UsageStore: per-owner feature counters behind the usage limiter
//
// SQLiteStore implements both in a single struct. MockStore is the in-memory
// twin used by unit tests in other packages.
//
// # Data Models
//
//   - Conversation: one visitor-to-owner thread with lifecycle status
//   - Message: immutable unit of chat content; only receipts change later
//   - AutomationContext: per-conversation reply quota and escalation state
//
// # Ordering
//
// Message IDs come from a single AUTOINCREMENT sequence, so they are strictly
// increasing inside every conversation and double as the pagination cursor.
// Pages are returned newest first; pass MessagePage.OldestID as the next
// beforeID to walk backwards.
//
// # SQLite Configuration
//
// File databases open with WAL journaling, foreign keys and a busy timeout
// applied to every pooled connection. ":memory:" is limited to one connection.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: conversation id already taken
//
// All methods accept context.Context for cancellation support.
package store
