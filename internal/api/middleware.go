package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	logx "notifyd/pkg/logx"

	"github.com/go-chi/chi/v5/middleware"
)

// accessLog logs one line per request and turns panics into 500s.
func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("handler panicked",
						logx.String("path", r.URL.Path),
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())),
					)
					if ww.Status() == 0 {
						writeError(ww, log, http.StatusInternalServerError, "internal_error")
					}
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", status),
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("took", time.Since(start)),
					logx.String("remote", r.RemoteAddr),
				}
				if id := middleware.GetReqID(r.Context()); id != "" {
					fields = append(fields, logx.String("req_id", id))
				}
				if status >= 500 {
					log.Warn("http request", fields...)
				} else {
					log.Debug("http request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// cors answers preflights and decorates responses for allowed origins.
// "*" in origins allows any origin; credentials are allowed, so the
// request origin is echoed instead of a literal "*".
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
			continue
		}
		if o != "" {
			allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
		}
	}
	ok := func(origin string) bool {
		if allowAll {
			return true
		}
		_, hit := allowed[strings.ToLower(origin)]
		return hit
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !ok(origin) {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
