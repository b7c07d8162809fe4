// Package influxdb records device telemetry (trigger state transitions,
// numeric setting values, frame production and hardware errors) as
// InfluxDB points through the batching, non-blocking write API.
package influxdb
