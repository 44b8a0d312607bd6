// Package middleware adapts the pipeline to inbound HTTP handlers: route
// guards over the current session, activity reporting for the idle
// monitor, and origin capture for tenant resolution.
//
// # Guards
//
//   - [RequireAccess] admits requests whose session satisfies a
//     [permission.Rule].
//   - [TrackActivity] publishes each request as a [monitor.Signal].
//   - [WithCallingOrigin] puts the request origin on the context so
//     outbound calls resolve the same tenant.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into pipeline calls. Session
// lookup is delegated to a [SessionSource]; permission decisions to the
// permission package.
//
// # What this package must NOT do
//
//   - Parse or verify tokens.
//   - Refresh or clear credentials.
//   - Decide anything beyond admit or reject.
package middleware
