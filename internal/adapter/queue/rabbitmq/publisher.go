package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventsExchange = "planning.events"
	requestQueue   = "planning.requests"
)

type queueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

func NewQueueService(url string, log *zap.Logger) (port.QueueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				if err := ch.ExchangeDeclare(
					eventsExchange,
					"topic",
					true,  // durable
					false, // auto-delete
					false, // internal
					false, // no-wait
					nil,
				); err != nil {
					conn.Close()
					return nil, err
				}
				return &queueService{
					conn: conn,
					ch:   ch,
					log:  log,
				}, nil
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// PublishEvent fans the terminal planning event out on the topic exchange.
// Routing key encodes kind and outcome, e.g. plan.single.completed, so
// dashboards can bind to just failures or just trajectory results.
func (q *queueService) PublishEvent(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	kind := "single"
	if event.Kind == domain.TaskKindTrajectory {
		kind = "trajectory"
	}
	routingKey := fmt.Sprintf("plan.%s.%s", kind, outcomeOf(event.Type))

	err = q.ch.PublishWithContext(ctx,
		eventsExchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})

	if err != nil {
		q.log.Error("Failed to publish planning event", zap.Error(err))
		return err
	}

	q.log.Info("Published planning event",
		zap.String("task_id", event.TaskID),
		zap.String("key", routingKey))
	return nil
}

func outcomeOf(t domain.EventType) string {
	switch t {
	case domain.EventCompleted, domain.EventTrajectoryCompleted:
		return "completed"
	case domain.EventError:
		return "failed"
	case domain.EventCancelled:
		return "cancelled"
	}
	return string(t)
}
