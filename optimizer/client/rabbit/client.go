package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

const (
	PORTFOLIO_QUEUE_REQ  = "portfolio_calculation_req"
	PORTFOLIO_QUEUE_RESP = "portfolio_calculation_resp"

	// maxPriority is the x-max-priority of the request queue.
	maxPriority = 3
)

// Channel is the part of *amqp.Channel used by the client and the worker.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Cancel(consumer string, noWait bool) error
}

// InitQueues declares the request queue, with priorities enabled, and the
// default reply queue.
func InitQueues(ch Channel) error {
	if _, err := ch.QueueDeclare(
		PORTFOLIO_QUEUE_REQ, // name
		false,               // durable
		false,               // delete when unused
		false,               // exclusive
		false,               // noWait
		amqp.Table{"x-max-priority": maxPriority},
	); err != nil {
		return fmt.Errorf("declare a queue for calculation request: %w", err)
	}

	if _, err := ch.QueueDeclare(
		PORTFOLIO_QUEUE_RESP, // name
		false,                // durable
		false,                // delete when unused
		false,                // exclusive
		false,                // noWait
		nil,                  // arguments
	); err != nil {
		return fmt.Errorf("declare a queue for calculation response: %w", err)
	}

	return nil
}

// RemoteError is an error reply of the worker.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "engine replied with error: " + e.Message
}

var ErrReplyChannelClosed = errors.New("reply channel closed")

func NewPortfolioServiceClient(channel Channel, logger *zap.Logger) *PortfolioOptimizerClient {
	return &PortfolioOptimizerClient{
		channel: channel,
		replyTo: PORTFOLIO_QUEUE_RESP,
		logger:  logger.With(zap.String("caller", "RabbitPortfolioOptimizerClient")),
	}
}

// PortfolioOptimizerClient sends optimization requests to the queue worker
// and matches replies by correlation id.
type PortfolioOptimizerClient struct {
	channel Channel
	replyTo string
	logger  *zap.Logger
}

func (c *PortfolioOptimizerClient) StartRecommend(ctx context.Context, req entities.OptimizeRequest, cid string) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return c.channel.PublishWithContext(ctx,
		"",                  // exchange
		PORTFOLIO_QUEUE_REQ, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: cid,
			ReplyTo:       c.replyTo,
			Body:          body,
			Priority:      c.userPriority(req.Vip),
		})
}

func (c *PortfolioOptimizerClient) userPriority(isVip bool) uint8 {
	if isVip {
		return maxPriority
	}

	return 1
}

// ReceiveRecommend starts a consumer of the reply queue under the given tag.
// The caller cancels it with the same tag once done.
func (c *PortfolioOptimizerClient) ReceiveRecommend(consumer string) (<-chan amqp.Delivery, error) {
	msgs, err := c.channel.Consume(
		c.replyTo, // queue
		consumer,  // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume replies: %w", err)
	}

	return msgs, nil
}

// Recommend publishes req and waits for the reply carrying the same
// correlation id. Replies for other requests are requeued.
func (c *PortfolioOptimizerClient) Recommend(ctx context.Context, req entities.OptimizeRequest) (entities.RecommendationInfoResp, error) {
	cid := uuid.New().String()
	logger := c.logger.With(zap.String("method", "Recommend"), zap.String("cid", cid))

	consumer := "portfolio-client-" + cid
	msgs, err := c.ReceiveRecommend(consumer)
	if err != nil {
		return entities.RecommendationInfoResp{}, err
	}
	defer func() {
		if err := c.channel.Cancel(consumer, false); err != nil {
			logger.Error(fmt.Errorf("cancel reply consumer: %w", err).Error())
		}
	}()

	start := time.Now()
	if err := c.StartRecommend(ctx, req, cid); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("publish request: %w", err)
	}
	logger.Info("start run async", zap.Bool("vip", req.Vip))

	for {
		select {
		case <-ctx.Done():
			return entities.RecommendationInfoResp{}, ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return entities.RecommendationInfoResp{}, ErrReplyChannelClosed
			}
			if d.CorrelationId != cid {
				logger.Info(fmt.Sprintf("run async recived a mismatched cid %s", d.CorrelationId))
				if err := d.Reject(true); err != nil {
					return entities.RecommendationInfoResp{}, fmt.Errorf("reject response: %w", err)
				}
				continue
			}

			if err := d.Ack(false); err != nil {
				return entities.RecommendationInfoResp{}, fmt.Errorf("acknowledge response: %w", err)
			}
			logger.Info("finish run async", zap.Duration("duration", time.Since(start)))

			var resp entities.RecommendationInfoResp
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				return entities.RecommendationInfoResp{}, fmt.Errorf("decode response: %w", err)
			}
			if resp.Error != "" {
				return entities.RecommendationInfoResp{}, &RemoteError{Message: resp.Error}
			}

			return resp, nil
		}
	}
}
