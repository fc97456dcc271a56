package daemon

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

var publicPaths = map[string]bool{
	"/healthz": true,
	"/version": true,
}

// bearerAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	required := strings.TrimSpace(token)
	if required == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			candidate := ""
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
				candidate = strings.TrimSpace(header[7:])
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(required)) != 1 {
				writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed accepts loopback web origins, desktop and editor webview
// schemes and the configured list. "*" in the list accepts any origin. The
// opaque "null" origin is never accepted.
func originAllowed(origin string, extra []string) bool {
	for _, o := range extra {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "file", "app", "tauri", "vscode-webview", "vscode-file":
		return true
	case "http", "https":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowed) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id")
				h.Set("Access-Control-Expose-Headers", "X-Run-Id,X-Request-Id")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := logger.Debug()
				if ww.Status() >= http.StatusInternalServerError {
					ev = logger.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
