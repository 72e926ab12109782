// Package httpapi serves the bridge's HTTP and WebSocket surface.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"

	"chatbridge/internal/broadcast"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/roster"
	"chatbridge/internal/session"
	"chatbridge/internal/task/scheduler"
	logx "chatbridge/pkg/logx"
)

type Config struct {
	Addr           string
	Token          string
	AllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MaxBodyBytes   int64
	ObserverBuffer int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":3000"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ObserverBuffer <= 0 {
		c.ObserverBuffer = 32
	}
	return c
}

// Session is the supervisor surface used by handlers.
type Session interface {
	SendMessage(ctx context.Context, destination string, msg session.Message) (session.Receipt, error)
	ResetSession(ctx context.Context) error
	Snapshot() session.Snapshot
	Observe(ctx context.Context, buffer int) (<-chan broadcast.Event, func(), error)
}

// Dispatcher schedules deferred sends and runs the birthday sweep.
type Dispatcher interface {
	Schedule(ctx context.Context, req dispatch.Request) (dispatch.Job, error)
	Job(id string) (dispatch.Job, bool)
	Jobs() []dispatch.Job
	Cancel(id string) bool
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
}

type TaskSnapshotter interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Session  Session
	Dispatch Dispatcher
	Roster   *roster.Service
	Tasks    TaskSnapshotter
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	token   atomic.Pointer[string]
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("httpapi: session is required")
	case deps.Dispatch == nil:
		return nil, errors.New("httpapi: dispatcher is required")
	case deps.Roster == nil:
		return nil, errors.New("httpapi: roster is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log}
	s.SetToken(cfg.Token)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	s.handler = c.Handler(s.routes())
	return s, nil
}

// Handler returns the full handler chain, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// SetToken swaps the bearer token. An empty token disables auth.
func (s *Server) SetToken(tok string) {
	tok = strings.TrimSpace(tok)
	s.token.Store(&tok)
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.srv, s.ln = nil, nil
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", *s.token.Load() != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http server stopped")
	return nil
}
