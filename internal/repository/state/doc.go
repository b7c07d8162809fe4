// Package state persists the last committed setting values of every device.
//
// The FileRepository stores a Snapshot as YAML on disk. At startup the hub
// re-applies stored values for settings the hardware cannot report back,
// so a restart does not silently reset software-only configuration.
package state
