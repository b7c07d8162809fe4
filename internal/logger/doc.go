// Package logger wraps a zap sugared logger that travels through contexts.
//
// Components derive a named child with WithName ("hub", "device", "grpc")
// and attach identifiers with WithKV, so every line a device queue or a
// client session writes carries the device id or session id. Output goes to
// stderr so the client can keep stdout for command results.
package logger
