// Package server exposes the optimizer over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/hooks"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Service is the part of the optimizer the HTTP wrapper drives.
type Service interface {
	RunPage(ctx context.Context, offset int) (*core.ProgressReport, error)
	RestoreAll(ctx context.Context) (core.RestoreReport, error)
	HandleUpload(ctx context.Context, desc core.UploadDescriptor) (core.UploadDescriptor, core.Outcome, error)
	Candidate(rawURL string) (string, bool)
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc      Service
	router   *gin.Engine
	logger   core.Logger
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l core.Logger) Option { return func(s *Server) { s.logger = l } }

// WithGatherer sets the registry served on /metrics.  Defaults to the
// prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New builds the router.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: hooks.NopLogger{}, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/optimize/batch", s.handleBatch)
	api.POST("/optimize/restore", s.handleRestore)
	api.POST("/upload", s.handleUpload)
	api.GET("/derivative", s.handleDerivative)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http.listen", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

// ── Middleware ────────────────────────────────────────────────────────────────

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Success: false, Message: msg})
}

type batchRequest struct {
	Offset int `json:"offset"`
}

type batchResponse struct {
	Message         string            `json:"message"`
	Progress        float64           `json:"progress"`
	Continue        bool              `json:"continue"`
	Offset          int               `json:"offset"`
	ProcessedImages []core.ItemResult `json:"processedImages"`
	TotalImages     int               `json:"totalImages"`
	Optimized       int               `json:"optimized"`
	Skipped         int               `json:"skipped"`
	Errors          int               `json:"errors"`
	Processed       int               `json:"processed"`
}

func (s *Server) handleBatch(c *gin.Context) {
	var req batchRequest
	// An empty body starts from offset 0.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	report, err := s.svc.RunPage(c.Request.Context(), req.Offset)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.IsCategory(err, apperrors.CategoryInput) {
			status = http.StatusBadRequest
		}
		respondError(c, status, apperrors.Message(err))
		return
	}
	items := report.Items
	if items == nil {
		items = []core.ItemResult{}
	}
	c.JSON(http.StatusOK, batchResponse{
		Message:         report.Message(),
		Progress:        report.Progress,
		Continue:        report.Continue,
		Offset:          report.Next.Offset,
		ProcessedImages: items,
		TotalImages:     report.Total,
		Optimized:       report.Optimized,
		Skipped:         report.Skipped,
		Errors:          report.Errors,
		Processed:       report.Processed,
	})
}

func (s *Server) handleRestore(c *gin.Context) {
	report, err := s.svc.RestoreAll(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, apperrors.Message(err))
		return
	}
	c.String(http.StatusOK, report.String())
}

type uploadFailure struct {
	Success    bool                  `json:"success"`
	Message    string                `json:"message"`
	Descriptor core.UploadDescriptor `json:"descriptor"`
}

func (s *Server) handleUpload(c *gin.Context) {
	var desc core.UploadDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if desc.Path == "" {
		respondError(c, http.StatusBadRequest, "path is required")
		return
	}
	got, out, err := s.svc.HandleUpload(c.Request.Context(), desc)
	if apperrors.IsCategory(err, apperrors.CategoryInput) {
		respondError(c, http.StatusBadRequest, apperrors.Message(err))
		return
	}
	if err != nil {
		msg := out.Message
		if msg == "" {
			msg = apperrors.Message(err)
		}
		c.JSON(http.StatusUnprocessableEntity, uploadFailure{Success: false, Message: msg, Descriptor: got})
		return
	}
	c.JSON(http.StatusOK, got)
}

func (s *Server) handleDerivative(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		respondError(c, http.StatusBadRequest, "url is required")
		return
	}
	candidate, exists := s.svc.Candidate(raw)
	if candidate == "" {
		respondError(c, http.StatusNotFound, "no derivative for "+raw)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": candidate, "exists": exists})
}
