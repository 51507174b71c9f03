// Package http exposes the routers over a small JSON admin API.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Context keys for request metadata.
type contextKey string

// requestIDKey is the context key for the request ID.
const requestIDKey contextKey = "request_id"

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one entry per request, keyed by route template.
func LoggingMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       path,
				"status":     rec.status,
				"duration":   time.Since(start),
				"request_id": GetRequestID(r.Context()),
			}).Debug("request")
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					requestID := GetRequestID(r.Context())
					log.WithFields(logrus.Fields{"panic": p, "request_id": requestID}).Error("handler panicked")
					writeError(w, http.StatusInternalServerError, "internal server error", "", requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps a router error to an HTTP status.
func statusFor(err error) int {
	switch tailerrors.GetCode(err) {
	case tailerrors.CodeUnknownEntity:
		return http.StatusNotFound
	case tailerrors.CodeInvalidKey, tailerrors.CodeInvalidEntity:
		return http.StatusBadRequest
	case tailerrors.CodeLockCancelled, tailerrors.CodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	}
	if tailerrors.GetCategory(err) == tailerrors.ErrCategoryValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeErr writes err with the status derived from its code.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	writeError(w, statusFor(err), err.Error(), tailerrors.GetCode(err), requestID)
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, message, code, requestID string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
