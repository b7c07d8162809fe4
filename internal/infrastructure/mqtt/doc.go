// Package mqtt publishes device events to an MQTT broker.
//
// Topics are rooted at <prefix>/<server>. Trigger states are retained so a
// dashboard that subscribes late sees the current state of every device;
// frames, setting changes and errors are plain events. A last-will message
// marks the server offline if it disappears without a clean shutdown.
package mqtt
