// Package settings implements the typed, introspectable settings registry
// attached to every device.
//
// Settings are declared once at device registration time with an explicit
// descriptor (name, value type, constraints, read-only flag and accessor
// bindings). Writes are validated before anything touches hardware, then
// applied synchronously through the descriptor's Apply binding and only
// committed when the hardware accepted the value, so the stored value always
// satisfies its descriptor and never diverges silently from the device.
package settings
