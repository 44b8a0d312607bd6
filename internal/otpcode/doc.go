// Package otpcode holds the TOTP and backup-code primitives shared by the
// step-up client and the reference auth server: shape checks,
// canonicalization, generation and verification.
package otpcode
