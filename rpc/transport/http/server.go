package http

import (
	"io"
	"net/http"
	"time"

	"github.com/ValentinKolb/dSync/rpc/transport"
)

// NewHandler returns an http.Handler that passes POST /{route} bodies to handler.
// With debug set every request is logged.
func NewHandler(handler transport.ServerHandleFunc, debug bool) http.Handler {
	h := &serverHandler{handler: handler}

	mux := http.NewServeMux()
	if debug {
		mux.HandleFunc("POST /{route}", loggerMiddleware(h.handleRequest))
	} else {
		mux.HandleFunc("POST /{route}", h.handleRequest)
	}
	return mux
}

type serverHandler struct {
	handler transport.ServerHandleFunc
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleRequest handles incoming HTTP requests and writes the response to the writer
func (h *serverHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")

	// Read request body
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()

	// Check if body could be read
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	resp := h.handler(route, body)
	if resp == nil {
		http.Error(w, "Unknown route", http.StatusNotFound)
		return
	}

	// Write response
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(resp); err != nil {
		Logger.Warningf("Failed to write response: %v", err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
