// Package observability provides structured logging and Prometheus metrics
// for the resilience gateway.
//
// Metrics implements the event hooks of the retry engine and the fallback
// chain, so wiring it in is a matter of passing it as their observer.
package observability
