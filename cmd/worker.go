package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/config"
	"github.com/glbter/distributed-systems/portfolio-engine/orchestrator"
)

var errNoRabbitURL = errors.New("rabbit url is empty")

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume optimization requests from RabbitMQ",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if cfg.RabbitURL == "" {
			return errNoRabbitURL
		}

		logger, err := InitLogger(cfg.LogLevel, os.Stdout)
		if err != nil {
			return err
		}
		defer logger.Sync()

		eng, err := newEngine(cfg, logger)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runWorker(ctx, cfg, eng, logger)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context, cfg config.Config, eng orchestrator.PortfolioEngine, logger *zap.Logger) error {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open a channel: %w", err)
	}
	defer ch.Close()

	// unacknowledged deliveries are the requests being solved or queued on
	// the engine semaphore
	if err := ch.Qos(int(2*cfg.MaxConcurrent), 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	return orchestrator.NewWorker(ch, eng, policy(cfg), logger).Run(ctx)
}
