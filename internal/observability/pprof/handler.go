package pprof

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"path"
	"strings"

	"github.com/gorilla/mux"
)

const stdPrefix = "/debug/pprof/"

// Handler mounts the runtime profiles under prefix, plus /healthz. With a
// token set, every request must carry it as a bearer token or ?token=.
func Handler(prefix, token string) http.Handler {
	base := normalizePrefix(prefix)
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	prof := r.PathPrefix(base).Subrouter()
	for name, h := range map[string]http.HandlerFunc{
		"/cmdline": hpprof.Cmdline,
		"/profile": hpprof.Profile,
		"/symbol":  hpprof.Symbol,
		"/trace":   hpprof.Trace,
	} {
		prof.HandleFunc(name, h)
	}
	prof.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// hpprof.Index resolves named profiles relative to the standard prefix.
		req = req.Clone(req.Context())
		req.URL.Path = stdPrefix + strings.TrimPrefix(req.URL.Path, base)
		hpprof.Index(w, req)
	})
	r.Handle(strings.TrimSuffix(base, "/"), http.RedirectHandler(base, http.StatusPermanentRedirect))

	if token = strings.TrimSpace(token); token == "" {
		return r
	}
	return requireToken([]byte(token), r)
}

func requireToken(want []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(presented(r)), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func presented(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// normalizePrefix returns an absolute path with a trailing slash.
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return stdPrefix
	}
	return strings.TrimSuffix(path.Clean("/"+prefix), "/") + "/"
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
