package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browsermux/internal/ratelimit"
	"github.com/shehryarbajwa/browsermux/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures the listener.
type Options struct {
	Host              string
	Port              int
	MaxSessions       int64
	ConnectsPerMinute int
	ConnectBurst      int
}

// Server accepts external controller connections on a single random-token
// path and feeds them into the router. Connections to any other path are
// rejected immediately.
type Server struct {
	log     *zap.SugaredLogger
	router  *router.Router
	limiter *ratelimit.Limiter
	slots   *semaphore.Weighted
	token   string

	httpSrv  *http.Server
	listener net.Listener
}

// New creates a server with a freshly minted path token.
func New(r *router.Router, opts Options, log *zap.SugaredLogger) *Server {
	maxSessions := opts.MaxSessions
	if maxSessions == 0 {
		maxSessions = 20
	}
	perMinute := opts.ConnectsPerMinute
	if perMinute == 0 {
		perMinute = 60
	}
	burst := opts.ConnectBurst
	if burst == 0 {
		burst = 10
	}

	return &Server{
		log:     log.Named("server"),
		router:  r,
		limiter: ratelimit.NewLimiter(perMinute, burst),
		slots:   semaphore.NewWeighted(maxSessions),
		token:   uuid.New().String(),
	}
}

// Start binds the listener and begins serving. The endpoint is available
// from WSEndpoint once Start returns.
func (s *Server) Start(opts Options) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	s.listener = ln

	m := mux.NewRouter()
	m.HandleFunc("/"+s.token, s.handleWS).Methods("GET")
	m.HandleFunc("/json/status", s.handleStatus).Methods("GET")

	s.httpSrv = &http.Server{Handler: m}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("server error", "error", err)
		}
	}()

	s.log.Infow("listening", "endpoint", s.WSEndpoint())
	return nil
}

// WSEndpoint returns the full connect URL, including the path token.
func (s *Server) WSEndpoint() string {
	return fmt.Sprintf("ws://%s/%s", s.listener.Addr().String(), s.token)
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(host) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if !s.slots.TryAcquire(1) {
		http.Error(w, "Session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.slots.Release(1)
		s.log.Warnw("failed to upgrade connection", "error", err)
		return
	}

	sess := newSession(uuid.New().String(), conn, func() { s.slots.Release(1) }, s.log)
	s.router.OnConnect(sess)
	go sess.readLoop(s.router)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.router.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		router.Stats
		WSEndpoint string `json:"wsEndpoint"`
	}{stats, s.WSEndpoint()})
}
