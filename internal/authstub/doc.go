// Package authstub is an in-memory auth server speaking the login, refresh
// and two-factor protocol the pipeline consumes.
//
// It backs the package tests and the CLI demo. Accounts live in memory;
// attempt counters optionally live in Redis.
//
// # Architecture boundaries
//
// The server owns accounts, password hashes, TOTP secrets, backup code
// hashes and refresh token rotation. It knows nothing about the client
// pipeline and imports only the shared otpcode helpers and the session
// model for its wire shape.
//
// # What this package must NOT do
//
//   - Persist anything beyond the process lifetime.
//   - Log secrets, codes or tokens.
//   - Accept a TOTP time step that was already used for the same account.
package authstub
