// Package simulated provides in-process drivers for every device type. They
// behave like real hardware as far as timing and failure modes go (exposures
// take time, stages travel at a finite speed, readouts can fail on request)
// so the server and clients can be exercised without instruments attached.
package simulated
