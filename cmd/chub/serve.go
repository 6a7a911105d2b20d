package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"concursohub/internal/app"
	"concursohub/internal/scheduler"
	"concursohub/internal/server"
	"concursohub/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the refresh scheduler when configured)",
		Long: `Serves the API under --base-path with OpenAPI at <base>/openapi.json and Swagger UI at /docs.
Secrets come from the environment (or the workspace .env): CHUB_JWT_SECRET signs bearer tokens,
CHUB_REDIS_PASSWORD authenticates to cache.redis_addr. CHUB_ADDR and CHUB_BASE_PATH set the defaults
of --addr and --base-path. CHUB_OTEL_ENDPOINT (OTLP/HTTP) turns on tracing; CHUB_OTEL_ENABLED=false turns it off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			senv, err := app.LoadServerEnv()
			if err != nil {
				return fmt.Errorf("server env: %w", err)
			}
			if !cmd.Flags().Changed("addr") {
				addr = senv.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = senv.BasePath
			}
			if strings.TrimSpace(senv.JWTSecret) == "" {
				return fmt.Errorf("CHUB_JWT_SECRET is required for bearer auth")
			}

			shutdownTracing, err := telemetry.Setup(cmd.Context(), "concursohub", telemetry.Config{
				Endpoint: senv.OTelEndpoint,
				Enabled:  senv.OTelEnabled,
			})
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}

			rt, err := openRuntime(cmd.Context(), senv.RedisPassword)
			if err != nil {
				_ = shutdownTracing(context.Background())
				return err
			}
			defer rt.Close()
			logger := rt.Logger
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					logger.Warn("tracing shutdown", zap.Error(err))
				}
			}()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret:              senv.JWTSecret,
					AllowLegacyActorHeader: senv.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}

			var sched *scheduler.Scheduler
			if schedule := strings.TrimSpace(rt.Config.Jobs.RefreshStatus.Schedule); schedule != "" && !noScheduler {
				sched, err = scheduler.New(schedule, rt.Config.Location(), rt.Engine, logger)
				if err != nil {
					return err
				}
				sched.Start()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				stopServing(ctx, srv, sched, logger)
			}()
			logger.Info("serving API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("store", rt.Config.Store.Driver),
				zap.Bool("scheduler", sched != nil),
				zap.Bool("tracing", senv.OTelEnabled && senv.OTelEndpoint != ""),
			)
			fmt.Printf("Serving concursohub API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-stopped
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run jobs.refresh_status.schedule in this process")
	return cmd
}

// stopServing halts scheduled refreshes, then drains in-flight requests until ctx
// is done. Failures are logged; the process is exiting either way.
func stopServing(ctx context.Context, srv *http.Server, sched *scheduler.Scheduler, logger *zap.Logger) {
	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			logger.Warn("scheduler stop", zap.Error(err))
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
}
