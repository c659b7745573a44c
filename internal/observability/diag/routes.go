package diag

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
)

const defaultDeliveries = 100

func newRouter(cfg Config, src Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if src.Stats != nil {
		mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
			v, err := src.Stats(r.Context())
			respond(w, v, err)
		})
	}
	if src.Deliveries != nil {
		mux.HandleFunc("GET /deliveries", func(w http.ResponseWriter, r *http.Request) {
			n := defaultDeliveries
			if raw := r.URL.Query().Get("n"); raw != "" {
				v, err := strconv.Atoi(raw)
				if err != nil || v < 0 {
					http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
					return
				}
				n = v
			}
			v, err := src.Deliveries(r.Context(), n)
			respond(w, v, err)
		})
	}
	if cfg.Pprof {
		mountPprof(mux, normalizePrefix(cfg.PprofPrefix))
	}
	return requireToken(strings.TrimSpace(cfg.Token), mux)
}

func mountPprof(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(prefix+"profile", pprof.Profile)
	mux.HandleFunc(prefix+"symbol", pprof.Symbol)
	mux.HandleFunc(prefix+"trace", pprof.Trace)
	// pprof.Index resolves named profiles relative to /debug/pprof/.
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		pprof.Index(w, r2)
	})
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
