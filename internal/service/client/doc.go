// Package client is the remote side of the microscope server: a connection
// wrapper with one typed stub per device, plus the command table shared by
// the microscope-client subcommands and its interactive shell.
//
// Remote failures come back as the same typed errors the server produced,
// so errors.Is(err, device.ErrBusy) works on both sides of the wire.
package client
