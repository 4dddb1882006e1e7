// Package api serves the read-only HTTP status API and health probes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"laundrybot/internal/mw"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RouterConfig tunes caching and rate limiting.
type RouterConfig struct {
	CacheTTL       time.Duration
	RequestsPerSec float64
	Burst          int
}

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zerolog.Logger) *gin.Engine {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestLogger(logger))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	cacheStore := cache.New(cfg.CacheTTL, 10*time.Minute)
	caching := mw.Cache(cacheStore, cfg.CacheTTL)

	v1 := r.Group("/api/v1")
	v1.Use(mw.RateLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst))
	{
		v1.GET("/machines", caching, h.GetMachines)
		v1.GET("/machines/:id", caching, h.GetMachine)
	}

	return r
}

// Serve runs handler on port until ctx is done.
func Serve(ctx context.Context, port int, handler http.Handler, logger *zerolog.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Int("port", port).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Int("port", port).Msg("http server error")
	}
}
