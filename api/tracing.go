package api

import (
	"net/http"
	"strconv"
	"time"

	"rulekeeper/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware tags every request with an ID, logs its completion
// and counts it per route template and status.
//
// A client-supplied X-Request-ID is kept after sanitization; otherwise a
// UUID v4 is generated. The ID is echoed back in the response headers.
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		wrapped := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(wrapped, r.WithContext(WithRequestID(r.Context(), requestID)))

		duration := time.Since(start)
		metrics.APIRequests.WithLabelValues(routeTemplate(r), strconv.Itoa(wrapped.statusCode)).Inc()
		a.logger.Infow("request_completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"remote_addr", getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// routeTemplate keeps metric label cardinality bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper wraps http.ResponseWriter to capture the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code before writing it.
func (w *responseWriterWrapper) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// sanitizeRequestID keeps alphanumerics, dashes and underscores, truncated
// to 64 characters, so client IDs cannot inject into logs.
func sanitizeRequestID(id string) string {
	const maxLen = 64
	if len(id) > maxLen {
		id = id[:maxLen]
	}

	result := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '-' || c == '_' {
			result = append(result, c)
		}
	}
	return string(result)
}
