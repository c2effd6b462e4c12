package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lucianogavaz/webapp/internal/api"
	"github.com/lucianogavaz/webapp/internal/config"
	"github.com/lucianogavaz/webapp/internal/dicomdoc"
	"github.com/lucianogavaz/webapp/internal/orthanc"
	"github.com/lucianogavaz/webapp/internal/render"
	"github.com/lucianogavaz/webapp/internal/report"
	"github.com/lucianogavaz/webapp/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.Debug)

	otelShutdown, err := telemetry.InitProvider(ctx, cfg.OtelServiceName, cfg.OtelServiceVersion, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize OTel provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("OTel shutdown failed", "error", err)
		}
	}()

	orthancClient := newOrthancClient(cfg)
	metrics := telemetry.NewMetrics()
	reports := report.NewService(render.New(), dicomdoc.New(), orthancClient, metrics)
	handler := api.NewAPIHandler(orthancClient, reports, metrics, cfg.MaxUploadBytes)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newRouter(cfg, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", cfg.ListenAddress, "orthancURL", cfg.OrthancURL, "tracing", cfg.TracingEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	stop()
	slog.Info("Shutting down gracefully, press Ctrl+C again to force")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server exiting")
	return nil
}

// newOrthancClient builds a client whose transport propagates trace context.
func newOrthancClient(cfg *config.Config) *orthanc.Client {
	instrumented := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.HttpClientTimeout,
	}
	return orthanc.NewClientWithHttpClient(cfg.OrthancURL, instrumented, orthanc.Credentials{
		Username: cfg.OrthancUsername,
		Password: cfg.OrthancPassword,
	})
}

func newRouter(cfg *config.Config, handler *api.APIHandler) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	// PDFs and the metrics exposition are served as-is.
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`^/api/instance/.+/pdf$`, `^/metrics$`})))
	router.Use(otelgin.Middleware(cfg.OtelServiceName))

	api.RegisterRoutes(router, handler)
	return router
}
