// Package authpipe composes the session and step-up authentication
// pipeline of a multi-tenant storefront client.
//
// A [Pipeline] attaches identity and tenant context to every outbound
// request, refreshes an expired access token once per failure and replays
// the request, ends idle sessions after a warning, and completes logins
// that require a TOTP or backup code. Pipelines are built with [Builder]
// and are safe for concurrent use.
//
// # Architecture boundaries
//
// authpipe is the composition root. It wires the store, tenant, gateway,
// monitor, stepup and permission packages together and owns the login
// flow. Each of those packages is usable on its own; none imports authpipe.
//
// # What this package must NOT do
//
//   - Keep package-level state. Everything hangs off a Pipeline.
//   - Log tokens, secrets or codes.
//   - Send the refresh request through the gateway it is refreshing.
package authpipe
