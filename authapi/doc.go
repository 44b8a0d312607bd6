// Package authapi is a typed client for the login, refresh and two-factor
// endpoints of the auth server.
//
// The client sends requests through a caller-supplied [Doer]. The pipeline
// passes its gateway so that authenticated calls carry the bearer token and
// tenant header; the refresh path itself is given a plain *http.Client.
//
// Non-2xx responses surface as [*StatusError], wrapped in
// [ErrInvalidCredentials], [ErrCodeRejected] or [ErrRateLimited] where the
// endpoint defines that meaning.
//
// # What this package must NOT do
//
//   - Persist tokens. Callers write results to the credential store.
//   - Retry requests.
package authapi
