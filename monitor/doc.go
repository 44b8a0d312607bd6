// Package monitor enforces the idle timeout of a signed-in session.
//
// A [Monitor] keeps the time of the last activity signal. One ticker
// goroutine compares wall-clock elapsed time against the timeout: the user
// is warned once when the remaining time drops to the warning lead time,
// and the session is ended through a [Terminator] when it reaches zero.
// Elapsed time is measured from timestamps, so a suspended process that
// resumes late still expires on its first check.
//
// Activity arrives through an [ActivityObserver]. [Hub] is the in-process
// one: HTTP middleware or UI code publishes to it and the monitor
// subscribes with [Monitor.Attach].
//
// # What this package must NOT do
//
//   - Touch credentials directly. Logout goes through the Terminator.
//   - Run more than one ticker per Monitor.
package monitor
