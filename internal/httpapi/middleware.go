package httpapi

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"chatbridge/internal/metrics"
	logx "chatbridge/pkg/logx"
)

// statusWriter records the response status. It forwards Hijack so the
// WebSocket upgrade works through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routeName(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// observe logs each request and feeds the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		route := routeName(r)
		took := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status/100)+"xx").Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(took.Seconds())

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Int("bytes", sw.bytes),
			logx.Duration("took", took),
		}
		switch {
		case sw.status >= 500:
			s.log.Warn("http request", fields...)
		case route == "/metrics" || route == "/healthz":
			s.log.Debug("http request", fields...)
		default:
			s.log.Info("http request", fields...)
		}
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("http handler panic",
					logx.String("path", r.URL.Path),
					logx.String("panic", fmt.Sprint(v)),
					logx.Stack(string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireToken checks "Authorization: Bearer <token>" or, for browsers
// opening a WebSocket, "?token=<token>".
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := *s.token.Load()
		if want == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if ah := r.Header.Get("Authorization"); got == "" && ah != "" {
			const p = "Bearer "
			if len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
				got = strings.TrimSpace(ah[len(p):])
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Method != http.MethodGet {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
