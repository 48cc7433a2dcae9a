package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/glbter/distributed-systems/portfolio-engine/config"
	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	optimizerHttp "github.com/glbter/distributed-systems/portfolio-engine/optimizer/client/http"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer/client/rabbit"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer/repo/csv"
)

var errNoInput = errors.New("either --file or --prices-dir with --tickers is required")

type optimizeOptions struct {
	file      string
	pricesDir string
	tickers   []string
	riskLevel float64
	maxWeight float64
	remote    bool
	queue     bool
	vip       bool
}

var optimizeOpts optimizeOptions

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compute one allocation and print it as JSON",
	Long: `Compute the maximum Sharpe ratio allocation of a returns CSV (--file) or
of close price histories (--prices-dir with --tickers).

By default the optimization runs in process. --remote sends it to the HTTP
API at --engine-url and --queue to the worker behind --rabbit-url.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		logger, err := InitLogger(cfg.LogLevel, zapcore.AddSync(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()

		resp, err := optimize(ctx, cfg, optimizeOpts, logger)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))

		return err
	},
}

func init() {
	flags := optimizeCmd.Flags()
	flags.StringVarP(&optimizeOpts.file, "file", "f", "", "returns CSV, one column per ticker")
	flags.StringVar(&optimizeOpts.pricesDir, "prices-dir", "", "directory of <TICKER>.csv close price files")
	flags.StringSliceVar(&optimizeOpts.tickers, "tickers", nil, "tickers read from --prices-dir")
	flags.Float64Var(&optimizeOpts.riskLevel, "risk-level", 0, "annualized volatility ceiling")
	flags.Float64Var(&optimizeOpts.maxWeight, "max-weight", 1, "per-asset weight cap")
	flags.BoolVar(&optimizeOpts.remote, "remote", false, "call the HTTP API at --engine-url")
	flags.BoolVar(&optimizeOpts.queue, "queue", false, "send the request through RabbitMQ")
	flags.BoolVar(&optimizeOpts.vip, "vip", false, "publish with the highest queue priority")

	optimizeCmd.MarkFlagsMutuallyExclusive("remote", "queue")
	optimizeCmd.MarkFlagsMutuallyExclusive("file", "prices-dir")
	cobra.CheckErr(optimizeCmd.MarkFlagRequired("risk-level"))

	rootCmd.AddCommand(optimizeCmd)
}

func optimize(ctx context.Context, cfg config.Config, opts optimizeOptions, logger *zap.Logger) (entities.RecommendationInfoResp, error) {
	c := entities.Constraints{RiskLevel: opts.riskLevel, MaxWeight: opts.maxWeight}

	table, err := loadTable(opts)
	if err != nil {
		return entities.RecommendationInfoResp{}, err
	}

	if opts.remote {
		return optimizeRemote(ctx, cfg, table, c, logger)
	}

	if err := policy(cfg).Check(c); err != nil {
		return entities.RecommendationInfoResp{}, err
	}
	if opts.queue {
		return optimizeQueued(ctx, cfg, entities.OptimizeRequest{ReturnsTable: table, Constraints: c, Vip: opts.vip}, logger)
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("create engine: %w", err)
	}

	res, err := eng.Optimize(ctx, table, c)
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("optimize portfolio: %w", err)
	}

	return entities.RecommendationInfoResp{Portfolio: res.Allocation, Metrics: res.Metrics}, nil
}

func loadTable(opts optimizeOptions) (entities.ReturnsTable, error) {
	switch {
	case opts.file != "":
		f, err := os.Open(opts.file)
		if err != nil {
			return entities.ReturnsTable{}, fmt.Errorf("open returns file: %w", err)
		}
		defer f.Close()

		return csv.ParseReturns(f)
	case opts.pricesDir != "" && len(opts.tickers) > 0:
		tickers := make([]entities.StockTicker, 0, len(opts.tickers))
		for _, t := range opts.tickers {
			tickers = append(tickers, entities.StockTicker(t))
		}

		return csv.StockRepo{Dir: opts.pricesDir}.GetReturns(tickers)
	}

	return entities.ReturnsTable{}, errNoInput
}

func optimizeRemote(ctx context.Context, cfg config.Config, table entities.ReturnsTable, c entities.Constraints, logger *zap.Logger) (entities.RecommendationInfoResp, error) {
	if cfg.EngineURL == "" {
		return entities.RecommendationInfoResp{}, errors.New("engine url is empty")
	}

	var body bytes.Buffer
	if err := csv.WriteReturns(&body, table); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("encode returns: %w", err)
	}

	client := optimizerHttp.NewClient(&http.Client{Timeout: cfg.RequestTimeout}, cfg.EngineURL, logger)

	return client.Recommend(ctx, &body, c)
}

func optimizeQueued(ctx context.Context, cfg config.Config, req entities.OptimizeRequest, logger *zap.Logger) (entities.RecommendationInfoResp, error) {
	if cfg.RabbitURL == "" {
		return entities.RecommendationInfoResp{}, errNoRabbitURL
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("open a channel: %w", err)
	}
	defer ch.Close()

	if err := rabbit.InitQueues(ch); err != nil {
		return entities.RecommendationInfoResp{}, err
	}

	return rabbit.NewPortfolioServiceClient(ch, logger).Recommend(ctx, req)
}
