// Package orchestrator serves optimization requests arriving over RabbitMQ.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer/client/rabbit"
)

var ErrDeliveriesClosed = errors.New("deliveries channel closed")

const consumerTag = "portfolio-worker"

type PortfolioEngine interface {
	Optimize(ctx context.Context, table entities.ReturnsTable, c entities.Constraints) (optimizer.Result, error)
}

// Worker consumes rabbit.PORTFOLIO_QUEUE_REQ and replies to the ReplyTo
// queue of each request with the same correlation id.
type Worker struct {
	channel rabbit.Channel
	engine  PortfolioEngine
	policy  entities.Policy
	logger  *zap.Logger

	wg sync.WaitGroup
}

func NewWorker(ch rabbit.Channel, engine PortfolioEngine, policy entities.Policy, logger *zap.Logger) *Worker {
	return &Worker{
		channel: ch,
		engine:  engine,
		policy:  policy,
		logger:  logger.With(zap.String("caller", "Worker")),
	}
}

// Run declares the queues and handles deliveries, one goroutine each, until
// ctx is done. Cancelling ctx stops the consumer; requests already received
// still run to completion and Run waits for them before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := rabbit.InitQueues(w.channel); err != nil {
		return err
	}

	msgs, err := w.channel.Consume(
		rabbit.PORTFOLIO_QUEUE_REQ, // queue
		consumerTag,                // consumer
		false,                      // auto-ack
		false,                      // exclusive
		false,                      // no-local
		false,                      // no-wait
		nil,                        // args
	)
	if err != nil {
		return fmt.Errorf("initialize a consumer: %w", err)
	}

	w.logger.Info("worker is starting", zap.String("queue", rabbit.PORTFOLIO_QUEUE_REQ))
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker is stopping")
			if err := w.channel.Cancel(consumerTag, false); err != nil {
				w.logger.Error(fmt.Errorf("cancel consumer: %w", err).Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}

			// accepted requests finish after shutdown, bounded by the
			// engine's solve timeout
			w.wg.Add(1)
			go func(msg amqp.Delivery) {
				defer w.wg.Done()
				w.handle(context.WithoutCancel(ctx), msg)
			}(msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg amqp.Delivery) {
	var (
		start  = time.Now()
		cid    = msg.CorrelationId
		logger = w.logger.With(zap.String("cid", cid))
	)

	logger.Info("start processing of request", zap.Uint8("priority", msg.Priority))

	resp, err := w.process(ctx, msg.Body)
	if err != nil {
		logger.Error(err.Error())
		if err := w.respondWithError(ctx, msg, err); err != nil {
			logger.Error(fmt.Errorf("respond with error: %w", err).Error())
		}
		if err := msg.Reject(false); err != nil {
			logger.Error(fmt.Errorf("reject request: %w", err).Error())
		}
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error(fmt.Errorf("marshal response: %w", err).Error())
		_ = msg.Reject(false)
		return
	}

	if err := w.reply(ctx, msg, body); err != nil {
		logger.Error(fmt.Errorf("publish response: %w", err).Error())
		_ = msg.Reject(false)
		return
	}

	if err := msg.Ack(false); err != nil {
		logger.Error(fmt.Errorf("acknowledge request: %w", err).Error())
		return
	}
	logger.Info("finish", zap.Duration("duration", time.Since(start)))
}

func (w *Worker) process(ctx context.Context, body []byte) (entities.RecommendationInfoResp, error) {
	var req entities.OptimizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("decode request: %w", err)
	}
	if err := w.policy.Check(req.Constraints); err != nil {
		return entities.RecommendationInfoResp{}, err
	}

	res, err := w.engine.Optimize(ctx, req.ReturnsTable, req.Constraints)
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("optimize portfolio: %w", err)
	}

	return entities.RecommendationInfoResp{Portfolio: res.Allocation, Metrics: res.Metrics}, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func (w *Worker) respondWithError(ctx context.Context, msg amqp.Delivery, cause error) error {
	body, err := json.Marshal(errorResp{Error: cause.Error()})
	if err != nil {
		return err
	}

	return w.reply(ctx, msg, body)
}

func (w *Worker) reply(ctx context.Context, msg amqp.Delivery, body []byte) error {
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = rabbit.PORTFOLIO_QUEUE_RESP
	}

	return w.channel.PublishWithContext(ctx,
		"", // exchange
		replyTo,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.CorrelationId,
			Body:          body,
			Priority:      msg.Priority,
		})
}
