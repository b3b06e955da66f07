// Package status serves the progress of a running sweep over HTTP.
package status

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/gin-gonic/gin"
)

const (
	ErrListen   = errors.ErrorCode("status_listen_failed")
	ErrShutdown = errors.ErrShutdownFailed
)

// Source is what the server reports on; acquisition.Pipeline satisfies it.
type Source interface {
	Progress() sweep.Progress
	Summary() sweep.Summary
}

type Server struct {
	engine   *gin.Engine
	srv      *http.Server
	source   Source
	log      logger.Logger
	started  time.Time
	listener net.Listener
}

func New(addr string, source Source, log logger.Logger) *Server {
	if log == nil {
		log = logger.New("status")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		engine:  engine,
		source:  source,
		log:     log,
		started: time.Now(),
	}

	engine.GET("/healthz", s.health)
	engine.GET("/status", s.status)
	engine.GET("/summary", s.summary)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.New().WrapWithData(ErrListen, err, s.srv.Addr)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Status server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Progress())
}

func (s *Server) summary(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Summary())
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
