package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

// ConsumeRequests listens to the planning request queue and hands each
// decoded request to handler. Malformed payloads are discarded; handler
// failures are not requeued because a request that cannot start (bad model
// id, expired upload) will not start on redelivery either.
func (q *queueService) ConsumeRequests(ctx context.Context, handler func(req domain.PlanRequest) error) error {
	_, err := q.ch.QueueDeclare(
		requestQueue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		requestQueue, // queue
		"",           // consumer
		false,        // auto-ack (We want to ack manually after dispatch)
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming planning requests", zap.String("queue", requestQueue))

	go func() {
		for d := range msgs {
			var req domain.PlanRequest
			if err := json.Unmarshal(d.Body, &req); err != nil {
				q.log.Error("Failed to unmarshal planning request", zap.Error(err))
				d.Nack(false, false) // discard invalid message
				continue
			}

			q.log.Info("Received planning request",
				zap.String("kind", string(req.Kind)),
				zap.String("model", req.Model))

			if err := handler(req); err != nil {
				q.log.Error("Request dispatch failed", zap.Error(err))
				d.Nack(false, false)
			} else {
				d.Ack(false)
			}
		}
	}()

	return nil
}
