// Package api implements the HTTP handlers for the ShelfScan service:
// session-based authentication, user administration, photo libraries,
// uploads, and the asynchronous spine-analysis pipeline that feeds
// extracted book data back onto photo records.
package api
