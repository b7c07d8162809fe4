// Package config defines the YAML configuration shared by the microscope
// binaries and provides helpers to load, validate and save it.
//
// The server reads its listen address, session and lock policies, the
// device inventory and the optional event sinks from it; the client only
// needs the server address and the call timeout.
package config
