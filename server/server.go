// Package server exposes the chat gateway over HTTP: a websocket
// endpoint for live sessions and a small REST surface for conversation
// management. One Supervisor owns the connection registry and shuts
// every live session down on Close.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/admission"
	"github.com/ecmoce/chatgate/runner"
	"github.com/ecmoce/chatgate/session"
	"github.com/ecmoce/chatgate/store"
)

// CloseReauthenticate is sent when the websocket handshake carries no
// valid identity. Clients treat it as "obtain fresh credentials and
// reconnect" rather than a retryable failure.
const CloseReauthenticate = 4001

// Params wires a Supervisor.
type Params struct {
	Auth      Authenticator
	Admission *admission.Controller
	Runner    *runner.Runner
	Gateway   *store.Gateway
	Searcher  session.Searcher
	Logger    *zap.Logger

	MaxInputLength int
	PingInterval   time.Duration
	DefaultModel   string

	// AllowedOrigins restricts websocket handshakes; empty allows all
	// (development mode).
	AllowedOrigins []string
}

// Supervisor accepts connections, authenticates them, and runs one
// session per connection until the socket or the server closes.
type Supervisor struct {
	auth     Authenticator
	adm      *admission.Controller
	runner   *runner.Runner
	gw       *store.Gateway
	searcher session.Searcher
	logger   *zap.Logger
	upgrade  websocket.Upgrader

	maxInput     int
	pingInterval time.Duration
	defaultModel string

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Supervisor.
func New(p Params) *Supervisor {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	s := &Supervisor{
		auth:         p.Auth,
		adm:          p.Admission,
		runner:       p.Runner,
		gw:           p.Gateway,
		searcher:     p.Searcher,
		logger:       p.Logger,
		maxInput:     p.MaxInputLength,
		pingInterval: p.PingInterval,
		defaultModel: p.DefaultModel,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	s.upgrade = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(p.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handler returns the full HTTP surface: /ws plus the REST API.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	s.registerAPI(mux)
	return mux
}

// ActiveConnections reports how many websocket sessions are live.
func (s *Supervisor) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections, closes every live socket, and
// waits for their sessions to drain or ctx to expire.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)

	conn, upErr := s.upgrade.Upgrade(w, r, nil)
	if upErr != nil {
		// Upgrade already wrote an HTTP error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(upErr))
		return
	}

	if err != nil {
		s.logger.Info("websocket auth failed", zap.String("remote", r.RemoteAddr))
		conn.WriteJSON(map[string]string{"type": "error", "content": "Authentication required"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseReauthenticate, "re-authenticate"),
			time.Now().Add(5*time.Second))
		conn.Close()
		return
	}

	if !s.register(conn) {
		conn.Close()
		return
	}
	defer s.unregister(conn)

	s.logger.Info("session connected",
		zap.String("user", user),
		zap.String("remote", r.RemoteAddr))

	sess := session.New(session.Params{
		Conn:           conn,
		User:           user,
		Origin:         clientOrigin(r),
		Admission:      s.adm,
		Runner:         runnerAdapter{s.runner},
		Gateway:        s.gw,
		Searcher:       s.searcher,
		Logger:         s.logger.With(zap.String("user", user)),
		MaxInputLength: s.maxInput,
		PingInterval:   s.pingInterval,
		DefaultModel:   s.defaultModel,
		OnCommand:      s.handleCommand,
	})
	sess.Run(r.Context())

	s.logger.Info("session disconnected", zap.String("user", user))
}

func (s *Supervisor) register(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Supervisor) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

func (s *Supervisor) handleCommand(command string) string {
	switch command {
	case "/status":
		return statusLine(s.adm.InFlight())
	default:
		return "Unknown command: " + command
	}
}

func statusLine(inFlight int64) string {
	if inFlight == 1 {
		return "1 turn in flight"
	}
	return strconv.FormatInt(inFlight, 10) + " turns in flight"
}

// clientOrigin identifies the remote for per-origin rate limiting.
// Proxy headers are trusted here because the process is expected to sit
// behind one in production.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// runnerAdapter narrows *runner.Runner to the session's consumer-side
// interface.
type runnerAdapter struct {
	r *runner.Runner
}

func (a runnerAdapter) Run(ctx context.Context, turn chatgate.Turn) (session.Handle, error) {
	return a.r.Run(ctx, turn)
}
