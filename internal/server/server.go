// Package server exposes the digest over HTTP: health, metrics, a small JSON
// API and an HTML dashboard.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/RedditDigest/internal/compose"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/metrics"
	"github.com/TobiSchelling/RedditDigest/internal/pipeline"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	previewWindow       = 7 * 24 * time.Hour
	dashboardSummaries  = 5
)

// Runner triggers a digest run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// Options configures the server. Runner and Metrics are optional.
type Options struct {
	Title      string
	EditorName string
	MaxCount   int
	Runner     Runner
	Metrics    *metrics.Metrics
	Log        logging.Logger
}

// Server is the HTTP server of the digest.
type Server struct {
	db     *database.DB
	opts   Options
	pages  map[string]*template.Template
	engine *gin.Engine
	now    func() time.Time
}

// New creates a new Server.
func New(db *database.DB, opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}

	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"formatTime": func(t time.Time) string {
			return t.Local().Format("2006-01-02 15:04")
		},
		"percent": func(f float64) string {
			return fmt.Sprintf("%.0f%%", f)
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "history.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{db: db, opts: opts, pages: pages, engine: gin.New(), now: time.Now}
	s.engine.Use(requestLogger(opts.Log), gin.Recovery())
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.engine.StaticFS("/static", http.FS(staticSub))

	s.engine.GET("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/history", s.handleHistory)
		api.POST("/run", s.handleRun)
	}

	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/history", s.handleHistoryPage)
	s.engine.GET("/preview", s.handlePreview)
	s.engine.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Database: "unreachable", Error: err.Error()})
		return
	}

	resp := HealthResponse{Status: "healthy", Database: "ok"}
	last, err := s.db.LastDelivery(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
	} else if last != nil {
		sentAt := last.SentAt.UTC()
		resp.LastDelivery = &sentAt
		if !last.Success {
			resp.Status = "degraded"
			resp.Error = "last delivery failed"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.db.GetStats(c.Request.Context(), s.now())
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, toStats(stats))
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	records, err := s.db.RecentHistory(c.Request.Context(), limit)
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load history")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})
		return
	}
	out := make([]DeliveryResponse, len(records))
	for i, r := range records {
		out[i] = toDelivery(r)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRun(c *gin.Context) {
	if s.opts.Runner == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "manual runs are not enabled"})
		return
	}

	// A client hanging up must not abort a digest that is half sent.
	res, err := s.opts.Runner.Run(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, pipeline.ErrRunInProgress) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	if res == nil || res.Record == nil {
		msg := "run did not start"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msg})
		return
	}

	resp := RunResponse{
		RunID:     res.RunID,
		Success:   res.Record.Success,
		ItemCount: res.Record.ItemCount,
		Degraded:  res.Record.Degraded,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	c.JSON(status, resp)
}

func (s *Server) handleIndex(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.db.GetStats(ctx, s.now())
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load stats")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	records, err := s.db.RecentHistory(ctx, 10)
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load history")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	summaries, err := s.db.ItemsWithSummaries(ctx, dashboardSummaries)
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load summaries")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	s.render(c, "index.html", gin.H{
		"Title":      s.opts.Title,
		"Stats":      stats,
		"Deliveries": records,
		"Summaries":  summaries,
		"CanRun":     s.opts.Runner != nil,
	})
}

func (s *Server) handleHistoryPage(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.db.RecentHistory(c.Request.Context(), limit)
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load history")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	s.render(c, "history.html", gin.H{
		"Title":      s.opts.Title,
		"Deliveries": records,
	})
}

// handlePreview renders the email for the items delivered in the last week.
func (s *Server) handlePreview(c *gin.Context) {
	now := s.now()
	items, err := s.db.RecentItems(c.Request.Context(), now.Add(-previewWindow), s.opts.MaxCount)
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to load recent items")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	var note *string
	if last, err := s.db.LastDelivery(c.Request.Context()); err == nil && last != nil {
		note = last.EditorNote
	}

	html, err := compose.New(s.opts.Title, s.opts.EditorName, now, note, items).HTML()
	if err != nil {
		s.opts.Log.WithError(err).Error("Failed to render preview")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

func (s *Server) render(c *gin.Context, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.opts.Log.WithField("template", name).Error("Template not found")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.opts.Log.WithError(err).WithField("template", name).Error("Error rendering template")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func requestLogger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logging.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP request failed")
			return
		}
		entry.Debug("HTTP request")
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		log.Info("Server stopped")
		return nil
	}
}
