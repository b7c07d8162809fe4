// Package trigger implements the arm/trigger/readout/abort lifecycle shared
// by every device that performs a timed or triggered action.
//
// The machine owns the TriggerState of one device. Arm, Trigger, Readout
// and WhileDisarmed are expected to run on the device's serialized
// execution queue; Abort is the fast path and may run concurrently with
// any of them. State, IsBusy and ArmedBy are read-only and never wait for
// hardware calls in progress.
package trigger
