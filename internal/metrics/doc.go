// Package metrics defines the Prometheus collectors exported by heron's
// handshake engine and session manager.
package metrics
