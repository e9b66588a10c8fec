// Package serving - The web UI and JSON API for classifying images.
package serving

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const requestIDKey = "request_id"

// Server serves the classifier over HTTP.
//
// Classification requests are handled one at a time.
type Server struct {
	cfg     config.Config
	engine  *gin.Engine
	models  *Models
	fetcher *Fetcher
	mu      sync.Mutex
}

// New creates a server and registers its routes.
//
// Arguments:
//   - cfg: The configuration.
//   - models: The model state resolver.
//
// Returns:
//   - *Server: The server.
//   - error: An error if the templates fail to parse.
func New(cfg config.Config, models *Models) (*Server, error) {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}

	s := &Server{
		cfg:     cfg,
		engine:  gin.New(),
		models:  models,
		fetcher: NewFetcher(cfg.Server.FetchTimeout, cfg.Server.MaxUploadBytes),
	}
	s.engine.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	s.engine.SetHTMLTemplate(tmpl)
	s.engine.Use(gin.Recovery(), requestID(), accessLog())

	s.engine.GET("/", s.Index)
	s.engine.POST("/classify", s.ClassifyPage)
	s.engine.POST("/v1/classify", s.ClassifyAPI)
	s.engine.GET("/healthz", s.Healthz)

	return s, nil
}

// Handler is the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Server.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("serving")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"took":       time.Since(start),
		}).Debug("request")
	}
}

var templateFuncs = template.FuncMap{
	"percent": func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) },
	"width":   func(v float64) string { return fmt.Sprintf("%.1f", v*100) },
	"upper":   strings.ToUpper,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}
