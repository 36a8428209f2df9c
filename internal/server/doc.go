// Package server implements the real-time relay: WebSocket upgrades, the
// per-connection read/write pumps and auth state machine, envelope routing
// through the identity registry, and the HTTP plumbing around it.
//
// The implementation is organized into specialized files for configuration,
// the relay, clients, origin checks, rate limiting, authentication, metrics
// and HTTP handlers.
package server
