// Package microscope implements the DeviceService gRPC API on top of the hub.
//
// Every connection gets a client session when it makes its first call; the
// session ends when the connection closes or stays idle past the session
// timeout. Device operations travel through Invoke and are routed by name
// to the device runtime. Errors never become gRPC status codes: they are
// returned as typed outcomes inside the response.
package microscope
