// Package api hosts the HTTP handlers that front the overlay and dashboard
// surface: live state snapshots, the WebSocket push stream, overlay
// settings, the OAuth authorization flow, and the operator restart control.
//
// Handlers delegate persistence to storage.Repository and live state to the
// live.Store injected at construction time; the package does not reach for
// globals and expects callers to supply fully configured dependencies.
// Middleware from internal/server handles request ids, logging, metrics,
// and rate limiting before requests arrive here.
package api
