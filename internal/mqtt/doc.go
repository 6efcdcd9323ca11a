// Package mqtt hands parsed command batches to an external executor
// over MQTT and exposes gateway health as Home Assistant sensors.
//
// Each assistant reply that carries command tokens is published as one
// JSON batch to <device>/commands. A retained availability topic, a
// will message and periodic sensor states (tokens and requests today,
// active sessions, uptime) let HA show the gateway as a native device.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher re-announces discovery configs and
// marks itself online.
package mqtt
