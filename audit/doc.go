// Package audit delivers security-relevant pipeline events to a caller sink.
//
// # Components
//
//   - [Sink] is the consumer interface (channel, JSON writer, no-op).
//   - [Dispatcher] is a buffered async relay with drop-if-full or
//     block-if-full semantics.
//   - [Event] records type, user, tenant, request id and outcome.
//
// # Architecture boundaries
//
// This package owns buffering and delivery. It does NOT decide which events
// to emit; the gateway, monitor, stepup and root packages do.
//
// # What this package must NOT do
//
//   - Carry tokens, TOTP secrets, codes or passwords in events.
//   - Import authpipe or any sibling package.
package audit
