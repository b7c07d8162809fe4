// Package history journals device events into SQLite and serves the
// per-device history query.
//
// Frame production is not journaled; every other event (state transitions,
// setting changes, hardware errors, lock and session activity) is stored
// as a JSON document with its device, kind and time.
package history
