package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Server is the HTTP/WebSocket front of the engine: it serves page
// routes, dispatches actions, and upgrades push channel connections.
type Server struct {
	// Session management
	sessions *SessionManager

	// Page routes and action dispatch
	router *Router

	// Out-of-band patch emission
	dispatcher *Dispatcher

	// Configuration
	config *ServerConfig

	// Trusted proxy matcher for forwarded headers
	trustedProxies *proxyMatcher

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// Internal + page route mux
	mux *chi.Mux

	// Middleware
	middleware []Middleware

	// HTTP server
	httpServer *http.Server

	// Logger
	logger *slog.Logger
}

// Middleware is a function that wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler

// New creates a new Server with the given configuration.
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		// Fill in defaults for any unset fields
		defaults := DefaultServerConfig()
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.WriteBufferSize == 0 {
			config.WriteBufferSize = defaults.WriteBufferSize
		}
		if config.CheckOrigin == nil {
			config.CheckOrigin = defaults.CheckOrigin
		}
		if config.SessionConfig == nil {
			config.SessionConfig = defaults.SessionConfig
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
		if config.CleanupInterval == 0 {
			config.CleanupInterval = defaults.CleanupInterval
		}
		if config.CookieName == "" {
			config.CookieName = defaults.CookieName
		}
		if config.SameSiteMode == 0 {
			config.SameSiteMode = defaults.SameSiteMode
		}
	}

	logger := slog.Default().With("component", "server")

	sessions := NewSessionManager(config.SessionConfig, slog.Default())
	sessions.SetMaxSessions(config.MaxSessions)
	sessions.SetDevMode(config.DevMode)
	sessions.SetCleanupInterval(config.CleanupInterval)

	s := &Server{
		sessions:       sessions,
		router:         NewRouter(),
		dispatcher:     NewDispatcher(sessions),
		config:         config,
		trustedProxies: newProxyMatcher(config.TrustedProxies, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
	}

	mux := chi.NewRouter()
	mux.Get("/_psui/ws", s.handleWebSocket)
	mux.Get("/_psui/client.js", s.handleClientScript)
	mux.Get("/_psui/patch", s.handlePatchPoll)
	mux.Post("/_psui/invalid", s.handleInvalid)
	mux.Post("/_psui/action/{id}", s.handleAction)
	s.mux = mux

	return s
}

// Page registers a GET page route.
func (s *Server) Page(path string, handler PageHandler) error {
	return s.page(http.MethodGet, path, handler)
}

// PagePost registers a POST page route.
func (s *Server) PagePost(path string, handler PageHandler) error {
	return s.page(http.MethodPost, path, handler)
}

func (s *Server) page(method, path string, handler PageHandler) error {
	if err := s.router.RegisterPage(method, path, handler); err != nil {
		return err
	}

	route := normalizePath(path)
	s.mux.Method(normalizeMethod(method), route, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.servePage(w, r, route, handler)
	}))
	return nil
}

// Handle mounts a plain http.Handler at the given pattern, outside
// the page and action machinery. Useful for health checks and metrics
// endpoints.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Use adds middleware around the whole server, internal endpoints
// included.
func (s *Server) Use(mw Middleware) {
	s.middleware = append(s.middleware, mw)
}

// Handler returns an http.Handler for mounting in external routers.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.ServeHTTP)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	handler.ServeHTTP(w, r)
}

// resolveSession maps the request's session cookie to a session,
// creating one when the cookie is absent, unknown, or expired. When a
// session is created the Set-Cookie header to issue is returned too.
func (s *Server) resolveSession(r *http.Request) (*Session, *http.Cookie) {
	var cookieValue string
	if cookie, err := r.Cookie(s.config.CookieName); err == nil {
		cookieValue = cookie.Value
	}

	sess, created := s.sessions.Resolve(cookieValue)
	if !created {
		return sess, nil
	}

	cookie, err := s.sessionCookie(r, sess.ID)
	if err != nil {
		s.logger.Warn("session cookie withheld", "error", err)
		return sess, nil
	}
	return sess, cookie
}

// handleWebSocket attaches a push channel to the requester's session.
// When the upgrade also creates the session, the cookie rides on the
// 101 response so subsequent HTTP requests share it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, cookie := s.resolveSession(r)

	var responseHeader http.Header
	if cookie != nil {
		responseHeader = http.Header{"Set-Cookie": {cookie.String()}}
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess.Attach(conn)
}

// handlePatchPoll drains the session's pending patch buffer. Fallback
// transport for clients without a live push channel.
func (s *Server) handlePatchPoll(w http.ResponseWriter, r *http.Request) {
	sess, cookie := s.resolveSession(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	patches := sess.PendingPatches()
	if patches == nil {
		patches = []Patch{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string][]Patch{"patches": patches})
}

// handleInvalid processes a client report that a patched target no
// longer exists in the DOM.
func (s *Server) handleInvalid(w http.ResponseWriter, r *http.Request) {
	sess, cookie := s.resolveSession(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	var msg inboundMessage
	body := http.MaxBytesReader(w, r.Body, s.config.SessionConfig.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(&msg); err != nil || msg.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sess.handleInvalidTarget(msg.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAction resolves an action id, decodes the form body, runs the
// handler, and returns the rendered fragment with swap metadata.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sess, cookie := s.resolveSession(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	actionID := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, s.config.SessionConfig.MaxMessageSize)
	if err := r.ParseForm(); err != nil {
		s.logger.Debug("action body parse failed", "session_id", sess.ID, "error", err)
		s.writeErrorFragment(w, http.StatusBadRequest, "malformed request body")
		return
	}

	decoded, err := DecodeBody(r.PostForm)
	if err != nil {
		s.logger.Debug("action body decode failed",
			"session_id", sess.ID,
			"error", err)
		s.writeErrorFragment(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := newCtx(w, r, sess, s.dispatcher)
	ctx.body = decoded

	result, err := s.router.Dispatch(ctx, actionID)
	if err != nil {
		if errors.Is(err, ErrActionNotFound) {
			s.logger.Debug("stale action id", "session_id", sess.ID, "action_id", actionID)
			s.writeErrorFragment(w, http.StatusNotFound, "this action is no longer available")
			return
		}
		var herr *HandlerError
		if errors.As(err, &herr) {
			s.logger.Error("action handler panicked",
				"session_id", herr.SessionID,
				"route", herr.Route,
				"panic", herr.Panic,
				"stack", string(herr.Stack))
		} else {
			s.logger.Error("action dispatch failed", "session_id", sess.ID, "error", err)
		}
		s.writeErrorFragment(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Psui-Swap", string(result.Swap))
	w.Header().Set("X-Psui-Target", result.TargetID)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result.HTML))
	w.Write([]byte(ctx.drainAppends()))
}

// servePage renders a registered page route.
func (s *Server) servePage(w http.ResponseWriter, r *http.Request, route string, handler PageHandler) {
	sess, cookie := s.resolveSession(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	ctx := newCtx(w, r, sess, s.dispatcher)

	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.SessionConfig.MaxMessageSize)
		if err := r.ParseForm(); err == nil {
			if decoded, derr := DecodeBody(r.PostForm); derr == nil {
				ctx.body = decoded
			}
		}
	}

	html, err := s.router.RenderPage(ctx, route, handler)
	if err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			s.logger.Error("page handler panicked",
				"session_id", herr.SessionID,
				"route", herr.Route,
				"panic", herr.Panic,
				"stack", string(herr.Stack))
		} else {
			s.logger.Error("page render failed", "session_id", sess.ID, "route", route, "error", err)
		}
		s.writeErrorPage(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html))
	w.Write([]byte(ctx.drainAppends()))
}

func (s *Server) writeErrorFragment(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Psui-Swap", string(SwapNone))
	w.Header().Set("X-Psui-Target", "")
	w.WriteHeader(status)
	w.Write([]byte(`<div data-psui-error>` + message + `</div>`))
}

func (s *Server) writeErrorPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`<!doctype html><html><head><title>Error</title></head>` +
		`<body><h1>Something went wrong</h1></body></html>`))
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s,
	}

	// Set up graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", "address", s.config.Address, "dev_mode", s.config.DevMode)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	// Close all sessions first
	if err := s.sessions.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("session shutdown incomplete", "error", err)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Dispatcher returns the out-of-band patch dispatcher.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}
