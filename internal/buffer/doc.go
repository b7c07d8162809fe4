// Package buffer implements the bounded frame ring that decouples a device's
// producer (hardware readout) from remote consumers.
//
// Every Put assigns the next per-device sequence number, so a consumer
// detects overwritten or rejected frames as gaps in the sequence.
package buffer
