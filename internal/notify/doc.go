// Package notify delivers owner-facing notifications about visitor activity.
//
// A Notifier receives three kinds of events: a new conversation, a new
// message the owner has not seen, and a closed conversation. LogNotifier
// writes them to slog and MatrixNotifier posts them to a Matrix room. Queue
// wraps any Notifier so conversation writes never wait on delivery; it
// retries failures and coalesces routine message alerts per conversation.
package notify
