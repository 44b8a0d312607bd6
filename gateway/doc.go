// Package gateway is the single egress point for authenticated HTTP calls.
//
// Every request is cloned, given the stored bearer token, the tenant header
// resolved from the calling origin and a request id, then sent. A 401 on a
// request that carried the stored token starts, or joins, one shared
// refresh keyed by a singleflight group; the request is replayed exactly
// once with the refreshed token.
//
// # Architecture boundaries
//
// The gateway owns the refresh lifecycle. It reads and writes tokens only
// through store.Credentials and calls the auth server through a
// [Refresher] that must not route back through the gateway.
//
// # What this package must NOT do
//
//   - Retry a request more than once.
//   - Issue a second refresh while one is in flight.
//   - Log tokens.
package gateway
