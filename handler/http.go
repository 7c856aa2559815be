package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Router mounts the relay endpoints on a gorilla/mux router. Unknown paths
// and wrong methods get the same JSON bodies as the Lambda entrypoint.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.accessLog)
	r.Handle(PathSendMessage, h).Methods(http.MethodPost, http.MethodOptions)
	r.Handle(PathMessages, h).Methods(http.MethodGet, http.MethodOptions)
	r.Handle(PathTriggerUpdate, h).Methods(http.MethodPost, http.MethodOptions)
	// Middleware only runs for matched routes.
	r.NotFoundHandler = h.accessLog(h)
	r.MethodNotAllowedHandler = h.accessLog(h)
	return r
}

// ServeHTTP adapts a net/http request to the shared routing core.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.logger.WarnContext(r.Context(), "read request body", "err", err)
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	resp := h.serve(r.Context(), request{
		method:  r.Method,
		path:    r.URL.Path,
		headers: headers,
		body:    string(body),
	})
	for k, v := range resp.headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
