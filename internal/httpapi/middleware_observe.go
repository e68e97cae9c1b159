package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"agentbox/internal/metrics"
)

// observeMiddleware records one log line and one metrics sample per
// request. The route pattern, not the raw path, keys the metrics so IDs
// do not blow up label cardinality.
func observeMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				pattern := chi.RouteContext(r.Context()).RoutePattern()
				if pattern == "" {
					pattern = "unmatched"
				}
				elapsed := time.Since(start)

				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())

				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", elapsed).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
