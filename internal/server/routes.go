// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all relay routes:
// the health check, the WebSocket endpoint, and optionally the metrics
// endpoint and a REST API mounted under /api/.
func SetupRoutes(relay *Relay, api, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle("/ws", relay)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if api != nil {
		mux.Handle("/api/", api)
	}
	return mux
}
