package middleware

import (
	"context"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggerMiddleware tags each request with an id and logs one line per request
// once the handler returns.
func LoggerMiddleware(logger glog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = glog.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			caller := &callerHolder{}
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, callerHolderKey, caller)
			r = r.WithContext(ctx)

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			who := caller.id
			if who == "" {
				who = "anonymous"
			}

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", getClientIPFromRequest(r),
				"status", rw.statusCode,
				"duration", time.Since(start),
				"caller", who,
				"request_id", requestID,
			)
		})
	}
}

func GetRequestID(r *http.Request) string {
	id, ok := r.Context().Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return id
}

// callerHolder lets inner middleware report the authenticated caller back to
// the access log, which only sees the outer request.
type callerHolder struct {
	id string
}

const callerHolderKey contextKey = "callerHolder"

func setCaller(r *http.Request, id string) {
	if h, ok := r.Context().Value(callerHolderKey).(*callerHolder); ok {
		h.id = id
	}
}
