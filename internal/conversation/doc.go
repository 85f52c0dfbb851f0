// Package conversation owns the lifecycle of visitor conversations.
//
// # Service
//
// Service is the state machine. Every operation records first and acts
// second: a message is durably stored before it is published or answered.
//
//	svc := conversation.New(conversation.Options{
//		Store:    st,
//		Channel:  broadcaster,
//		Provider: provider,
//		Policy:   automation.DefaultPolicy(),
//	}, logger)
//
// Status moves open -> closed -> open through Close and Reopen, and from
// open or closed to archived through Archive. Messages are only accepted
// while open; a rejected operation returns a *StateError naming the guard.
//
// # Concurrency
//
// Writes to one conversation are serialized by a per-conversation lock;
// different conversations never contend. The automation decision (read
// counters, decide, reserve a reply slot) runs under that lock, so two
// simultaneous visitor messages cannot both take the last slot. Provider
// calls and simulated typing run unlocked. Before an automated message is
// appended the status is checked again, and Close or Archive cancel any
// reply still being prepared. A dropped reply gives its slot back.
//
// # Events
//
// EventBroadcaster fans events out per conversation: new-message, typing,
// conversation-closed and messages-read. Publishing is fire-and-forget and
// at-most-once. Publishers pass their own subscription id so they do not
// receive the echo. Subscriber roles double as presence: when no agent is
// subscribed, visitor messages also trigger an owner notification.
package conversation
