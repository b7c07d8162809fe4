// Package serialport implements drivers for instruments controlled over a
// serial line with a line-oriented ASCII protocol: the Thorlabs FW102C and
// FW212C filter wheels and Cobolt lasers.
//
// Ports are opened with go.bug.st/serial at initialization so a device that
// is switched off when the server starts is picked up on a later retry.
package serialport
