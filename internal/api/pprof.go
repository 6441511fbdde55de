package api

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
)

// PprofConfig mounts net/http/pprof on the API router behind a bearer token.
type PprofConfig struct {
	Enabled bool
	Prefix  string
	Token   string
}

func mountPprof(r chi.Router, cfg PprofConfig) {
	tok := strings.TrimSpace(cfg.Token)
	if !cfg.Enabled || tok == "" {
		return
	}
	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(tok))
		r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
		r.HandleFunc(base+"/profile", hpprof.Profile)
		r.HandleFunc(base+"/symbol", hpprof.Symbol)
		r.HandleFunc(base+"/trace", hpprof.Trace)
		r.HandleFunc(base+"/*", pprofIndexAt(prefix))
		r.HandleFunc(base, func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
		})
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// so custom prefixes work.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
