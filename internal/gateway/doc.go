// Package gateway wires the chat engine into a running server.
//
// # Overview
//
// New builds every collaborator from configuration: the SQLite store, the
// conversation service, the event broadcaster (optionally behind a Redis
// relay), the notification queue with its log and Matrix targets, the usage
// limiter, visitor tokens and attachment storage. Run serves HTTP and a gRPC
// health endpoint on TCP or on a tailnet through tsnet; Shutdown stops the
// listeners, drains the notification queue and closes the store.
//
// # HTTP API
//
//	POST /api/widgets/{key}/conversations        start a conversation
//	GET  /api/conversations/{id}                 conversation status
//	POST /api/conversations/{id}/messages        send a message
//	GET  /api/conversations/{id}/messages        history page (before_id, limit)
//	GET  /api/conversations/{id}/messages/since  messages after after_id
//	POST /api/conversations/{id}/attachments     multipart upload, sent as a message
//	POST /api/conversations/{id}/typing          typing indicator
//	POST /api/conversations/{id}/close           close
//	POST /api/conversations/{id}/reopen          reopen
//	POST /api/conversations/{id}/archive         archive
//	POST /api/conversations/{id}/rate            rate
//	POST /api/conversations/{id}/read            read receipt
//	POST /api/conversations/{id}/delivered       delivery receipt
//	POST /api/conversations/{id}/visitor         update visitor contact fields
//	GET  /api/conversations/{id}/events          SSE subscription
//	GET  /api/conversations/{id}/ws              WebSocket subscription
//	GET  /api/visitors/{visitor_id}/conversations
//	GET  /api/owners/{owner}/conversations
//
// Errors are JSON objects with an "error" field. Validation failures are
// 400, unknown conversations 404, operations the conversation's status
// forbids 409 and an exhausted usage allowance 429.
//
// # Subscriptions
//
// Both subscription transports send a "subscribed" frame first. Its
// subscriber_id, passed back on sends and typing calls, keeps a client from
// receiving its own events. Delivery is at most once; clients fill gaps
// with the since endpoint.
//
// # Visitor tokens
//
// When auth.visitor_token_secret is set, starting a conversation returns a
// signed visitor token. Later starts take the visitor id only from that
// token, and the visitor history endpoint requires it.
package gateway
