package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/app"
	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/logging"
	"github.com/imrishuroy/restaurant-orderflow/internal/notifications"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel)
	log := logging.Component(logger, "worker")
	ctx := context.Background()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to init aws clients")
	}

	store, closeStore, err := app.OpenStore(ctx, cfg, clients, logging.Component(logger, "store"))
	if err != nil {
		log.WithError(err).Fatal("failed to open order store")
	}
	defer closeStore()

	dedup, closeDedup := openDeduper(ctx, cfg, clients, logger)
	defer closeDedup()

	svc := orders.NewService(store, orders.Options{GracePeriod: cfg.GracePeriod}, logging.Component(logger, "orders"))

	var rescheduler Rescheduler
	if cfg.OrdersQueueURL != "" {
		rescheduler = notifications.NewDispatcher(aws.NewPublisher(clients.SQS, cfg.OrdersQueueURL), logging.Component(logger, "notifications"))
	}

	p := NewProcessor(store, svc, dedup, LogSender{Log: logging.Component(logger, "sender")}, rescheduler, cfg.PhoneRegion, log)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"type":"order_confirmation","order_id":"local-order-1"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: testBody},
			},
		}
		resp, _ := p.Handle(ctx, event)
		out, _ := json.Marshal(resp)
		log.WithField("response", string(out)).Info("local run finished")
		return
	}

	lambda.Start(p.Handle)
}

// openDeduper reuses the configured idempotency cache when it can lock, and
// falls back to the DynamoDB idempotency table otherwise.
func openDeduper(ctx context.Context, cfg config.Config, clients *aws.AWSClients, logger *logrus.Logger) (Deduper, func()) {
	c, closeFn, err := app.OpenCache(ctx, cfg, clients, logging.Component(logger, "cache"))
	if err == nil {
		if d, ok := c.(Deduper); ok {
			return d, closeFn
		}
		closeFn()
	}
	return idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL), func() {}
}
