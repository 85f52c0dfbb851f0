// Package realtime relays conversation events between gateway nodes.
//
// Each node keeps its own in-memory broadcaster for the clients connected
// to it. RedisRelay wraps that broadcaster: a publish is delivered locally
// and also sent to a Redis pub/sub channel, and events published by other
// nodes are replayed into the local broadcaster. Delivery stays
// at-most-once; a lost relay message is covered by client polling.
package realtime
