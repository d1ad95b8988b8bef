// Package api is the HTTP surface: agent inbox routes plus the channel event
// intake that feeds the ingestion pipeline.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/switchboard-io/switchboard/internal/inbox"
	"github.com/switchboard-io/switchboard/internal/ingest"
	"github.com/switchboard-io/switchboard/internal/webhooks"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Tenant   string
	Pipeline *ingest.Pipeline
	Inbox    *inbox.Service
	Webhooks *webhooks.Service
	Port     int
	Out      io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := newRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// newRouter builds the Gin router with all routes registered.
func newRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Tenant == "" {
		return nil, fmt.Errorf("api: tenant is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("api: pipeline is required")
	}
	if opts.Inbox == nil {
		return nil, fmt.Errorf("api: inbox service is required")
	}
	if opts.Webhooks == nil {
		return nil, fmt.Errorf("api: webhooks service is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
