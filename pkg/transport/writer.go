package transport

import (
	"fmt"
	"net/http"
)

// sessionIDWriter wraps http.ResponseWriter to inject the session ID header
// before the first write. The ID may be assigned by the handler at any point
// up to the first byte of the response.
type sessionIDWriter struct {
	http.ResponseWriter
	sessionID     string
	headerWritten bool
}

func (w *sessionIDWriter) WriteHeader(statusCode int) {
	w.injectHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *sessionIDWriter) Write(b []byte) (int, error) {
	w.injectHeader()
	n, err := w.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("writing response: %w", err)
	}
	return n, nil
}

// Flush implements http.Flusher for streaming compatibility.
func (w *sessionIDWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sessionIDWriter) injectHeader() {
	if w.headerWritten {
		return
	}
	if w.sessionID != "" {
		w.ResponseWriter.Header().Set(SessionIDHeader, w.sessionID)
	}
	w.headerWritten = true
}
