package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"aerostic/backend/internal/api"
	"aerostic/backend/internal/auth"
	"aerostic/backend/internal/mcp"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process queued trigger jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), root, !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only and leave queued jobs to separate worker processes")
	return cmd
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued trigger jobs without serving HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("Worker started", "driver", cfg.Queue.Driver, "workers", cfg.Queue.Workers)
			err = a.queue.Run(ctx)
			logger.Info("Worker stopped")
			return err
		},
	}
}

func serve(parent context.Context, root *rootOptions, withWorkers bool) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"okta_client_id", cfg.Auth.ClientID,
		"queue_driver", cfg.Queue.Driver,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs will fail for a confidential client")
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting automation engine")
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))

	authz, err := auth.New(ctx, cfg, a.store, logger)
	if err != nil {
		return err
	}
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	opts := []api.Option{api.WithProgress(a.progress)}
	if a.knowledge != nil {
		opts = append(opts, api.WithKnowledge(a.knowledge))
	}
	api.NewServer(a.store, a.triggers, logger, opts...).Register(e, authz.Middleware())
	api.RegisterDocs(e, cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(a.store, a.triggers)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpGroup := e.Group("/mcp", authz.Middleware())
	mcpGroup.Any("", echo.WrapHandler(mcpHandlers))
	mcpGroup.Any("/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	var workers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	if withWorkers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := a.queue.Run(workerCtx); err != nil {
				logger.Error("Queue workers stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// SSE streams stay open; only idle keep-alive connections are reaped.
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			cancelWorkers()
			workers.Wait()
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
	}

	cancelWorkers()
	workers.Wait()
	logger.Info("Server stopped gracefully")
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
