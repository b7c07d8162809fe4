// Package driver defines the capability interfaces a concrete hardware
// binding implements and the catalog that turns a configured device
// inventory into validated device definitions.
//
// A driver is composed from small interfaces rather than a type hierarchy:
// a camera is a TriggerTarget and a DataSource that also accepts a region
// of interest, a controller may be only a TriggerTarget, and a filter wheel
// only declares settings. The capability set of a device is computed from
// the interfaces its driver value satisfies.
package driver
