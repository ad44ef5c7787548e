package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"binance-oi-collector/internal/api/handlers"
	"binance-oi-collector/internal/api/routes"
	"binance-oi-collector/internal/utils"
)

// startHTTP serves the ops API in the background. An empty addr disables it.
func (a *app) startHTTP(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	if a.cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	collectorHandler := handlers.NewCollectorHandler(a.tasks, a.partitions, a.history, a.recorder, a.clock, a.log)
	routes.SetupRoutes(router, collectorHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	utils.SafeGo(func() {
		a.log.WithField("addr", addr).Info("Starting ops API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Ops API stopped")
		}
	})
	return server
}

func (a *app) stopHTTP(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.log.WithError(err).Error("Ops API forced to shutdown")
	}
}
