// Package server assembles the HTTP stack: routing, request ids, logging,
// metrics, security headers, and rate limiting around the api.Handler. It
// owns the listener lifecycle, including TLS and graceful shutdown.
package server
