// Package permission answers role and permission questions about the
// current user.
//
// Every function is pure over a [session.User] and returns false for a nil
// user. [CanAccess] combines a role check with an any-of or all-of
// permission check.
//
// # What this package must NOT do
//
//   - Read the credential store or perform I/O.
//   - Cache decisions across calls.
package permission
