package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/vizflow/internal/insitu/orchestrator"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// StatusSource reports the coupling session of one module rank.
type StatusSource interface {
	Status() orchestrator.Status
}

// Config wires the server to the components it reports on.
type Config struct {
	Addr     string
	Status   StatusSource
	Arena    *shm.Arena
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server serves health, metrics and session status over HTTP.
type Server struct {
	router  *gin.Engine
	cfg     Config
	logger  *zap.Logger
	started time.Time

	mu   sync.Mutex
	http *http.Server
	addr net.Addr
}

// New builds the router. Nothing listens until Start.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:  gin.New(),
		cfg:     cfg,
		logger:  cfg.Logger.Named("server"),
		started: time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(monitoring.Middleware(cfg.Metrics))

	s.router.GET("/health", s.health)
	s.router.GET("/session", s.session)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/metrics/json", s.metricsJSON)
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Starting status server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down status server")
	return srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.started).Seconds(),
	}
	if s.cfg.Status != nil {
		body["session"] = s.cfg.Status.Status().State
	}
	if s.cfg.Arena != nil {
		st := s.cfg.Arena.Stats()
		s.cfg.Metrics.SetArena(st.FreeBytes, st.LiveSlots)
		body["arena"] = gin.H{
			"name":        s.cfg.Arena.Name(),
			"capacity":    st.Capacity,
			"free_bytes":  st.FreeBytes,
			"live_slots":  st.LiveSlots,
			"bound_names": st.Bound,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) session(c *gin.Context) {
	if s.cfg.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no coupling session configured"})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Status.Status())
}

func (s *Server) metricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Metrics.Snapshot())
}
