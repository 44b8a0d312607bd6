// Package session defines the client-side session model shared by every
// stage of the pipeline: the token pair, its expiry, the signed-in user and
// the tenant binding captured at login.
//
// # Architecture boundaries
//
// This package owns the [Session] and [User] value types and token expiry
// extraction. Persistence lives in the store package, refresh and replay in
// gateway, and authorization predicates in permission.
//
// # What this package must NOT do
//
//   - Perform I/O or import any other authpipe package.
//   - Verify token signatures. The client never holds signing keys; expiry is
//     read from unverified claims and only used as a scheduling hint.
package session
