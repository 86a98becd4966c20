package transport

import "net/http"

const (
	corsAllowedMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowedHeaders = "Content-Type, Authorization, Last-Event-ID, " + SessionIDHeader
	corsMaxAge         = "86400"
)

// setCORSHeaders stamps the cross-origin headers on every response path,
// success or error, before the status line is written.
func setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	h.Set("Access-Control-Expose-Headers", SessionIDHeader)
}

// writePreflight answers an OPTIONS request with no body.
func writePreflight(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}
