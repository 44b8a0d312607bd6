// Package tenant resolves which tenant an outbound call belongs to from the
// origin of the calling context.
//
// Resolution is a pure function of the origin and is recomputed for every
// request. One process may serve several tenants (server-side rendering,
// multiple browser windows proxied through one host), so nothing here is
// cached between calls.
package tenant
