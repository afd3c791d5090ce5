// Package realtime implements the client side of the chat broker connection.
//
// A Session keeps one authenticated STOMP-over-WebSocket transport alive,
// follows a single active channel, fans inbound envelopes out to handlers and
// publishes join/leave/send/typing actions. Transient losses are retried with
// bounded exponential backoff; credential failures are fatal and reported to
// the auth layer.
package realtime
