package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glbter/distributed-systems/portfolio-engine/config"
	portfolioHttp "github.com/glbter/distributed-systems/portfolio-engine/http"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, and the queue worker when a RabbitMQ url is set",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		logger, err := InitLogger(cfg.LogLevel, os.Stdout)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8000", "HTTP listen address")
	flags.Duration("request-timeout", 60*time.Second, "HTTP request timeout")
	flags.Int64("max-upload-bytes", 10<<20, "largest accepted request body")

	bindFlags(serveCmd, map[string]string{
		config.KeyHTTPAddr:       "addr",
		config.KeyRequestTimeout: "request-timeout",
		config.KeyMaxUploadBytes: "max-upload-bytes",
	})

	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	handler := portfolioHttp.PortfolioHandler{
		Logger:         logger,
		Engine:         eng,
		Policy:         policy(cfg),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           portfolioHttp.NewRouter(handler, cfg.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server is starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server is stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RabbitURL != "" {
		g.Go(func() error {
			return runWorker(gctx, cfg, eng, logger)
		})
	}

	return g.Wait()
}
