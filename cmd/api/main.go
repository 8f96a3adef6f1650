package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/app"
	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
	"github.com/imrishuroy/restaurant-orderflow/internal/config"
	orderevents "github.com/imrishuroy/restaurant-orderflow/internal/events"
	"github.com/imrishuroy/restaurant-orderflow/internal/handlers"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/logging"
	"github.com/imrishuroy/restaurant-orderflow/internal/notifications"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel)
	log := logging.Component(logger, "api")
	decimal.MarshalJSONWithoutQuotes = true

	ctx := context.Background()

	var clients *aws.AWSClients
	if app.NeedsAWS(cfg) {
		clients, err = aws.NewAWSClients(ctx)
		if err != nil {
			log.WithError(err).Fatal("failed to init aws clients")
		}
	}

	store, closeStore, err := app.OpenStore(ctx, cfg, clients, logging.Component(logger, "store"))
	if err != nil {
		log.WithError(err).Fatal("failed to open order store")
	}
	defer closeStore()

	cache, closeCache, err := app.OpenCache(ctx, cfg, clients, logging.Component(logger, "cache"))
	if err != nil {
		log.WithError(err).Fatal("failed to open idempotency cache")
	}
	defer closeCache()

	guard := idempotency.New(cache, app.GuardConfig(cfg), logging.Component(logger, "idempotency"))
	hub := orderevents.NewHub(64, logging.Component(logger, "events"))

	opts := orders.Options{
		Pricing:     app.PricingConfig(cfg),
		GracePeriod: cfg.GracePeriod,
		Broadcaster: hub,
	}
	if cfg.OrdersQueueURL != "" {
		publisher := aws.NewPublisher(clients.SQS, cfg.OrdersQueueURL)
		opts.Notifier = notifications.NewDispatcher(publisher, logging.Component(logger, "notifications"))
	} else {
		log.Warn("ORDERS_QUEUE_URL not set; order notifications are disabled")
	}
	svc := orders.NewService(store, opts, logging.Component(logger, "orders"))

	r := setupRouter(handlers.HandlerConfig{
		Orders:      svc,
		Guard:       guard,
		Hub:         hub,
		RateLimiter: handlers.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		PhoneRegion: cfg.PhoneRegion,
		Log:         logging.Component(logger, "http"),
	})

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		runLocal(cfg, r, svc, guard, clients, log)
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		// the runtime freezes between invocations; finish enqueueing first
		svc.Wait()
		return resp, err
	})
}

func runLocal(cfg config.Config, r *gin.Engine, svc *orders.Service, guard *idempotency.Guard, clients *aws.AWSClients, log logrus.FieldLogger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if clients != nil && cfg.MetricsInterval > 0 {
		exporter := aws.NewMetricsPublisher(clients.CloudWatch, cfg.MetricsNamespace)
		go exportMetrics(ctx, exporter, guard.Metrics(), cfg.MetricsInterval, log)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("running local server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("failed to run local server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	svc.Wait()
}

// exportMetrics pushes the guard counters accumulated since the previous tick.
func exportMetrics(ctx context.Context, exporter *aws.MetricsPublisher, metrics *idempotency.Metrics, every time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	prev := map[string]int64{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := metrics.Snapshot().Counts()
			delta := make(map[string]int64, len(current))
			for name, v := range current {
				delta[name] = v - prev[name]
			}
			if err := exporter.PublishCounts(ctx, delta); err != nil {
				log.WithError(err).Warn("failed to export idempotency metrics")
				continue
			}
			prev = current
		}
	}
}
