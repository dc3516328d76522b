// Package gateway is the HTTP edge of the relay: it upgrades inbound WebSocket requests,
// hands each connection to a supervisor registered with the fan-out registry, and serves
// the health, version, and metrics endpoints.
package gateway
