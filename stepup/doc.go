// Package stepup is the client-side state machine for TOTP step-up
// authentication.
//
// Enrollment runs Idle → SecretIssued → Verifying → Enabled. Disable and
// backup-code regeneration pass through Disabling and RegeneratingCodes.
// [Authenticator.Authenticate] completes a login that the server gated on
// a second factor.
//
// Codes are shape-checked before any request: a TOTP code is exactly six
// ASCII digits and a backup code, once canonicalized, is alphanumeric and
// at least MinBackupCodeLength long.
//
// # What this package must NOT do
//
//   - Mark step-up Enabled without a verify call that carried the secret
//     of the current challenge.
//   - Persist or log the secret or any code.
package stepup
