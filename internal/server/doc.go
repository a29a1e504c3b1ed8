// Package server hosts the ShelfScan API and web app from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, security headers, CORS, and auth so handlers all
// share common protections and instrumentation.
//
// It serves API routes and embeds the static web assets behind one
// multiplexer, falling back to the SPA index for client-side routes.
package server
