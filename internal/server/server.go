// Package server provides the HTTP control plane and the per-session
// WebSocket data plane.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/carapace-sec/carapace/internal/agent"
	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/command"
	"github.com/carapace-sec/carapace/internal/config"
	"github.com/carapace-sec/carapace/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
		// No write timeout: WebSocket connections are long-lived.
		WriteTimeout: 0,
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	token   string

	sessions  *session.Manager
	approvals *approval.Gate
	channels  *channel.Registry
	commands  *command.Executor
	loop      *agent.Loop
	retention config.RetentionConfig
}

// New creates a new Server instance.
func New(cfg *Config, token string, sessions *session.Manager, approvals *approval.Gate, channels *channel.Registry, commands *command.Executor, loop *agent.Loop, retention config.RetentionConfig) *Server {
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		token:     token,
		sessions:  sessions,
		approvals: approvals,
		channels:  channels,
		commands:  commands,
		loop:      loop,
		retention: retention,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requireAuth checks the bearer token on control-plane requests.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			respondError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts the token from the Authorization header or, for
// WebSocket upgrades where browsers cannot set headers, a query
// parameter.
func (s *Server) authorized(r *http.Request) bool {
	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else if token := r.URL.Query().Get("token"); token != "" {
		presented = token
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

// Start starts the HTTP server. A failure to bind the port is reported
// as ErrBind so main can exit with the right code.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.Serve(listener)
}

// ErrBind marks a failure to bind the listen port.
var ErrBind = fmt.Errorf("failed to bind port")

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RunRetentionSweep deletes idle sessions on the configured interval
// until ctx is cancelled.
func (s *Server) RunRetentionSweep(ctx context.Context) {
	interval := s.retention.SweepInterval
	if interval <= 0 || s.retention.MaxSessionAge <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.Sweep(ctx, s.retention.MaxSessionAge)
		}
	}
}
