// Package gateway implements the multi-tenant session gateway: an
// http.Handler that authenticates signed-token requests, lazily resolves the
// per-tenant backend server, serves long-lived server-sent event streams,
// and routes commands and generic structured requests.
//
// HTTP surface:
//
//	POST /api/message     Bearer token; dispatch a command to a live connection.
//	POST /api/*           Bearer token; forwarded to the tenant backend verbatim.
//	GET  /message-events  token query param; long-lived text/event-stream.
//
// Authentication failures are never differentiated to clients: every failure
// mode yields 401 {"error":"Unauthorized"}. Internal failures yield 500
// {"error":"Internal Server Error"} with the cause preserved in logs only.
package gateway
