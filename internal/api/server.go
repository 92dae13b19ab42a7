// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/erilali/chathub/internal/config"
	"github.com/erilali/chathub/internal/hub"
	"github.com/erilali/chathub/internal/logger"
	"github.com/erilali/chathub/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// StartServer opens the storage backends, starts the hub and serves HTTP
// until ctx is cancelled, then shuts everything down.
func StartServer(ctx context.Context, cfg config.Config, serverLogger *logger.Logger) error {
	backend, err := store.Open(ctx, cfg.Storage, logger.NewLogger("store"))
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	origins := NewOriginPolicy(cfg.Server.AllowedOrigins, serverLogger)
	h := hub.NewHub(backend.Messages, backend.Blobs, logger.NewLogger("hub"), hub.NewMetrics(reg), hub.Options{
		SendTimeout:  cfg.Server.SendTimeout.Std(),
		SendBuffer:   cfg.Server.SendBuffer,
		MaxFrameSize: cfg.Server.MaxFrameSize,
		RateLimit:    rate.Limit(cfg.Server.RateLimit.PerSecond),
		RateBurst:    cfg.Server.RateLimit.Burst,
		CheckOrigin:  origins.Check,
	})

	srv := &Server{
		Hub:          h,
		Backend:      backend,
		StaticDir:    cfg.Server.StaticDir,
		HistoryLimit: cfg.Server.HistoryLimit,
		Gatherer:     reg,
		Logger:       serverLogger,
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		serverLogger.Infof("Server started at %s (storage=%s)", cfg.Server.Addr, backend.Name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = h.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	serverLogger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serverLogger.Errorf("HTTP shutdown: %v", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		serverLogger.Errorf("Hub shutdown: %v", err)
	}
	return nil
}
