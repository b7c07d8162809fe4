// Package wire defines the DeviceService RPC contract: request and
// response messages, the CBOR codec they travel with, the gRPC service
// descriptor and the client stub.
//
// Invoke carries one device operation. Arguments and results are CBOR
// documents whose shape depends on the operation; the *Args and *Result
// types below describe them.
package wire
