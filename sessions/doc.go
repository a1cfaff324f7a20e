// Package sessions implements the process local session registry that backs
// the MCP SSE bridge. A session binds one open SSE stream to the bounded queue
// of JSON-RPC messages destined for it.
//
// Layers & Roles
//
//	Stream handler -> Open, drains Messages until Done or disconnect, then Close
//	Dispatcher     -> Get, advances the protocol state, Enqueue responses
//	Composition    -> owns the Registry, CloseAll on shutdown
//
// # Queue discipline
//
// Each session queue has many producers (concurrent POST dispatches) and a
// single consumer (the stream handler that opened it). Delivery is FIFO per
// session. The queue is a bounded channel; what happens when it is full is
// decided by the registry's OverflowPolicy:
//
//	OverflowReject     : Enqueue fails with ErrQueueFull, nothing is lost silently
//	OverflowDropOldest : the oldest undelivered message is discarded to make room
//
// # Closing
//
// Closing a session closes its Done channel, never the queue channel, so a
// dispatch that finishes after the client went away gets ErrSessionClosed
// from Enqueue instead of a panic. A message enqueued after the stream stopped
// reading but before Close completes is discarded with the session.
package sessions
