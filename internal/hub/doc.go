// Package hub owns the devices served by one process.
//
// A Device composes a driver with its settings registry, trigger state
// machine, session lock, frame buffer and execution queue. Control
// operations take the session lock and run one at a time on the device
// queue; read-only operations go straight to the registry or the driver;
// abort takes a separate fast path so it can interrupt a blocked call.
//
// The Hub is built once at startup from validated device definitions,
// tracks client sessions and tears everything down in order at shutdown.
package hub
