package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/server/coordinator"
	"github.com/mkorolev/listsync/internal/server/models"
	"github.com/mkorolev/listsync/internal/server/registry"
)

// SyncService is the write and catch-up surface the HTTP layer exposes. The
// coordinator implements it.
type SyncService interface {
	Submit(ctx context.Context, m *models.Mutation) (*coordinator.Result, error)
	Snapshot(ctx context.Context, listID string) ([]models.Record, int64, error)
	EventsSince(ctx context.Context, listID string, seq int64) ([]models.Event, error)
	CanRead(ctx context.Context, listID, userID string) (bool, error)
}

// Server serves the websocket sync endpoint and the REST fallback surface on
// one listener.
type Server struct {
	address   string
	svc       SyncService
	registry  *registry.Registry
	logger    logging.Logger
	jwtSecret []byte
	gatherer  prometheus.Gatherer
}

func NewServer(a string, svc SyncService, reg *registry.Registry, l logging.Logger, secretKey string, g prometheus.Gatherer) *Server {
	return &Server{
		address:   a,
		svc:       svc,
		registry:  reg,
		logger:    l.With("module", "http_server"),
		jwtSecret: []byte(secretKey),
		gatherer:  g,
	}
}

// Router builds the gin engine. Split out from Run so tests can drive
// handlers through httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api", s.authMiddleware())
	api.POST("/mutations", s.handleSubmitMutation)
	api.GET("/lists/:id/records", s.handleSnapshot)
	api.GET("/lists/:id/events", s.handleEventsSince)

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return r
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "HTTP server shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
