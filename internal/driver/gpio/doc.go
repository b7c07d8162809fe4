// Package gpio drives instruments wired to Raspberry Pi GPIO lines: a TTL
// trigger output used as a timing controller and a step/dir stepper used
// as a single-axis stage.
//
// Pins are accessed through the Pins interface. The real implementation
// memory-maps the GPIO block with go-rpio; MockPins records every call and
// is selected with the "mock" driver option for development off the Pi.
package gpio
