// Package store persists the client credential set: access token, refresh
// token, expiry, the signed-in user and the tenant binding.
//
// # Layers
//
// [KV] is the narrow capability every backend implements. [MemoryKV] is the
// in-process double used by tests and short-lived tools; [RedisKV] is the
// durable backend for long-running hosts that share credentials across
// restarts. [Credentials] maps a session onto configurable key names.
//
// # What this package must NOT do
//
//   - Decide when tokens are refreshed or cleared. Writers are the gateway,
//     the login flow and logout paths; this package only stores.
//   - Log or expose token values.
package store
