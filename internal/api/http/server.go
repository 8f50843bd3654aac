package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/session"
	"github.com/danieldc/QuickTorrent/internal/usecase"
)

// SessionManager is the slice of usecase.Manager the API drives.
type SessionManager interface {
	Open(ctx context.Context, in usecase.OpenInput) (*session.Session, error)
	Get(ih domain.InfoHash) (*session.Session, error)
	Status(ih domain.InfoHash) (domain.SessionStatus, error)
	List() []domain.SessionStatus
	Remove(ctx context.Context, ih domain.InfoHash) error
	Start(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error)
	Stop(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error)
	SetComplete(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error)
	HashCheck(ctx context.Context, ih domain.InfoHash, force bool) (bool, error)
	Save(ctx context.Context, ih domain.InfoHash) error
	StartAll(ctx context.Context)
	StopAll(ctx context.Context)
	SaveDht() error
}

var _ SessionManager = (*usecase.Manager)(nil)

type Server struct {
	manager        SessionManager
	logger         *slog.Logger
	hub            *Hub
	ownHub         bool
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	handler        http.Handler
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub shares a hub that was created ahead of the session manager. The
// caller owns it and runs it.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) {
		s.hub = hub
	}
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func NewServer(manager SessionManager, opts ...ServerOption) *Server {
	s := &Server{
		manager:   manager,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
		s.ownHub = true
		go s.hub.Run()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleRemoveSession)
	mux.HandleFunc("GET /api/sessions/{id}/pieces", s.handleSessionPieces)
	mux.HandleFunc("POST /api/sessions/{id}/{action}", s.handleSessionAction)
	mux.HandleFunc("POST /api/start-all", s.handleStartAll)
	mux.HandleFunc("POST /api/stop-all", s.handleStopAll)
	mux.HandleFunc("POST /api/dht/save", s.handleSaveDht)
	mux.HandleFunc("GET "+healthPath, s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "quicktorrent",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != healthPath && p != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the hub when the server created it.
func (s *Server) Close() {
	if s.ownHub {
		s.hub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	if !s.hub.attach(conn) {
		_ = conn.Close()
	}
}

// BroadcastSessions pushes the status of every open session to WebSocket
// clients.
func (s *Server) BroadcastSessions() {
	if s.hub.ClientCount() == 0 {
		return
	}
	s.hub.Broadcast(msgSessions, s.manager.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
