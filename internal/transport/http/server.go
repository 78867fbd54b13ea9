package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"bnfk/internal/logger"
	"bnfk/internal/store"

	"github.com/gin-gonic/gin"
)

// Server is the read-only dashboard API over the market store. It never calls
// the brokerage directly; everything it serves is already persisted.
type Server struct {
	store *store.Store
	addr  string
	srv   *http.Server
}

func NewServer(st *store.Store, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{store: st, addr: addr}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.handleHealthz)
	api := router.Group("/api")
	{
		api.GET("/prices", s.handlePrices)
		api.GET("/universe", s.handleUniverse)
		api.GET("/universe/changes", s.handleUniverseChanges)
		api.GET("/jobs", s.handleJobs)
		api.GET("/refill", s.handleRefill)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("http %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("viewer listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealthz(c *gin.Context) {
	if _, err := s.store.CountPrices(c.Request.Context(), ""); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePrices(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	days := 120
	if raw := c.Query("days"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 2000 {
			days = v
		}
	}
	from := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	prices, err := s.store.LoadPrices(c.Request.Context(), code, from, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "count": len(prices), "prices": prices})
}

func (s *Server) handleUniverse(c *gin.Context) {
	members, err := s.store.ListUniverse(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(members), "members": members})
}

func (s *Server) handleUniverseChanges(c *gin.Context) {
	changes, err := s.store.RecentUniverseChanges(c.Request.Context(), 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) handleJobs(c *gin.Context) {
	runs, err := s.store.RecentJobs(c.Request.Context(), c.Query("name"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": runs})
}

func (s *Server) handleRefill(c *gin.Context) {
	pending, err := s.store.PendingRefillCodes(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
}
