// Package api exposes the engine intents to a local front end over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/config"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/trading"
)

// Engine is the intent surface the bridge forwards to.
type Engine interface {
	SaveAccount(ctx context.Context, name, baseURL, password string, active bool) (int64, error)
	LoadAccount(ctx context.Context) (*models.ApiAccount, error)
	SubmitOrders(ctx context.Context, sub trading.Submission) (*models.BatchJob, error)
	ClearOrders(ctx context.Context) (int, error)
	ManualClose(ctx context.Context, itemID int64) error
	CancelScheduled(ctx context.Context, itemID int64) error
	LookupSymbol(ctx context.Context, code string, exchange models.Exchange) (*broker.SymbolInfo, error)
	Status(ctx context.Context) (notify.StatusUpdate, error)
	Events(ctx context.Context, jobID int64, limit int) ([]models.EventLog, error)
	Tick(ctx context.Context) (*trading.TickReport, error)
	Subscribe() (<-chan notify.StatusUpdate, func())
}

var _ Engine = (*trading.Engine)(nil)

const requestIDHeader = "X-Request-ID"

// Server is the HTTP bridge.
type Server struct {
	engine Engine
	logger zerolog.Logger
	router *gin.Engine
	listen string
}

// NewServer builds the router for engine.
func NewServer(engine Engine, cfg config.APIConfig, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: engine,
		logger: logger.With().Str("component", "api").Logger(),
		router: gin.New(),
		listen: cfg.Listen,
	}
	s.router.Use(s.requestID(), s.accessLog(), s.recovery())
	s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	h := &handlers{engine: s.engine}
	r := s.router.Group("/api")

	r.POST("/accounts", h.saveAccount)
	r.GET("/accounts/active", h.activeAccount)

	r.POST("/batches", h.submit)
	r.POST("/batches/clear", h.clear)

	r.POST("/items/:id/close", h.closeItem)
	r.POST("/items/:id/cancel", h.cancelItem)

	r.GET("/symbols/:code", h.lookup)
	r.GET("/events", h.events)
	r.POST("/tick", h.tick)

	r.GET("/status", h.status)
	r.GET("/status/stream", h.stream)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.listen).Msg("Intent bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Intent bridge stopped")
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), logger))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.logger.Info()
		switch {
		case status >= 500:
			ev = s.logger.Error()
		case status >= 400:
			ev = s.logger.Warn()
		}
		ev.Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("path", c.FullPath()).Msg("Handler panic")
				Fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error", nil)
			}
		}()
		c.Next()
	}
}
