package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/ctxutil"
)

// ActorHeader carries the acting member id.
const ActorHeader = "X-Actor-ID"

// ActorMiddleware copies the X-Actor-ID header into the request context.
// Requests without it act as ctxutil.SystemActor.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(ctxutil.WithActorID(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request with logrus. It must run after
// middleware.RequestID.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := requestLogger(r, logger).WithFields(logrus.Fields{
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request completed")
				return
			}
			entry.Info("request completed")
		})
	}
}

func requestLogger(r *http.Request, logger logrus.FieldLogger) logrus.FieldLogger {
	return logger.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"actor_id":   ctxutil.ActorFromContext(r.Context()),
	})
}
