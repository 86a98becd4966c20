package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Client-visible error messages. The router maps internal failures onto
// these; handler errors surface only as the generic internal message.
const (
	msgMissingSessionID = "Missing session id"
	msgSessionNotFound  = "Session not found"
	msgCapacity         = "Maximum concurrent sessions reached"
	msgMethodNotAllowed = "Method not supported"
	msgNotFound         = "Not found"
	msgInternalError    = "Internal server error"
)

// retryAfterSeconds is the hint sent with capacity rejections.
const retryAfterSeconds = 60

// errorResponse is the JSON body for every error path.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
