// Package events carries device events (state transitions, setting changes,
// produced frames, hardware errors, session activity) from the hub to
// pluggable sinks.
//
// Publishing never blocks: each sink owns a bounded queue drained by its own
// goroutine, and events that do not fit are counted and dropped, so a slow
// broker or database never stalls a device queue.
package events
