// Package history keeps a local SQLite journal of device events.
//
// The Journal is an events.Sink: DEVICE and RECEIVE events are written as
// rows of event_history with the event's JSON payload. The journal is
// diagnostics only; nothing in the session is restored from it.
//
// Retention is enforced by Prune, which Run calls periodically.
package history
