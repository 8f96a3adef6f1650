package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/notifications"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
	"github.com/imrishuroy/restaurant-orderflow/internal/validation"
)

// OrderReader loads orders; orders.Store satisfies it.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
}

// Confirmer ends an order's grace period.
type Confirmer interface {
	ConfirmOrder(ctx context.Context, orderID string) error
}

// Deduper remembers which notifications were already sent. Both idempotency
// backends (DynamoDB and Redis) implement it.
type Deduper interface {
	idempotency.Cache
	idempotency.Locker
}

// Rescheduler re-enqueues a grace-expiry check that arrived early.
type Rescheduler interface {
	ScheduleGraceExpiry(ctx context.Context, orderID string, at time.Time) error
}

// Processor handles SQS messages for committed orders.
type Processor struct {
	orders      OrderReader
	confirmer   Confirmer
	dedup       Deduper
	sender      Sender
	rescheduler Rescheduler
	phoneRegion string
	log         logrus.FieldLogger
	now         func() time.Time

	// dedupTTL is how long a sent notification is remembered.
	dedupTTL time.Duration
	lockTTL  time.Duration
}

// NewProcessor wires a processor. rescheduler may be nil, in which case an
// early grace-expiry message is retried by SQS instead.
func NewProcessor(reader OrderReader, confirmer Confirmer, dedup Deduper, sender Sender, rescheduler Rescheduler, phoneRegion string, log logrus.FieldLogger) *Processor {
	return &Processor{
		orders:      reader,
		confirmer:   confirmer,
		dedup:       dedup,
		sender:      sender,
		rescheduler: rescheduler,
		phoneRegion: phoneRegion,
		log:         log,
		now:         time.Now,
		dedupTTL:    7 * 24 * time.Hour,
		lockTTL:     2 * time.Minute,
	}
}

// Handle processes a batch and reports the messages that failed so only
// those are redelivered.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.WithFields(logrus.Fields{
				"message_id": rec.MessageId,
				"error":      err.Error(),
			}).Error("worker error")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	msg, err := notifications.Decode(rec.Body)
	if err != nil {
		return err
	}

	log := p.log.WithFields(logrus.Fields{"order_id": msg.OrderID, "type": msg.Type})
	log.Debug("received order message")

	order, err := p.orders.GetOrder(ctx, msg.OrderID)
	if err != nil {
		return fmt.Errorf("failed to fetch order %s: %w", msg.OrderID, err)
	}

	switch msg.Type {
	case notifications.TypeGraceExpiry:
		return p.expireGrace(ctx, order, log)
	default:
		return p.notify(ctx, order, log)
	}
}

func (p *Processor) expireGrace(ctx context.Context, order *orders.Order, log logrus.FieldLogger) error {
	if order.Status != orders.StatusPendingConfirmation {
		log.WithField("status", order.Status).Info("order no longer pending confirmation; skipping")
		return nil
	}
	if p.now().Before(order.GraceExpiresAt) {
		if p.rescheduler == nil {
			return fmt.Errorf("grace period of order %s has not expired yet", order.ID)
		}
		log.Info("grace period still running; rescheduling")
		return p.rescheduler.ScheduleGraceExpiry(ctx, order.ID, order.GraceExpiresAt)
	}
	if err := p.confirmer.ConfirmOrder(ctx, order.ID); err != nil {
		return err
	}
	log.Info("order confirmed")
	return nil
}

func (p *Processor) notify(ctx context.Context, order *orders.Order, log logrus.FieldLogger) error {
	if order.Status == orders.StatusCancelled {
		log.Info("order cancelled before confirmation was sent; skipping")
		return nil
	}

	batch, err := render(order, p.phoneRegion)
	if err != nil {
		return err
	}
	if batch.skippedSMS != nil {
		log.WithError(batch.skippedSMS).Warn("no valid phone number; sms skipped")
	}

	for _, n := range batch.notifications {
		if err := p.sendOnce(ctx, n, log); err != nil {
			return err
		}
	}
	return nil
}

// sendOnce sends n unless it was already sent or is being sent by another
// worker.
func (p *Processor) sendOnce(ctx context.Context, n Notification, log logrus.FieldLogger) error {
	key := dedupKey(n.OrderID, n.Channel)
	log = log.WithField("channel", n.Channel)

	if _, sent, err := p.dedup.Get(ctx, key); err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	} else if sent {
		log.Info("notification already sent; skipping")
		return nil
	}

	release, err := p.dedup.Obtain(ctx, key, p.lockTTL)
	if errors.Is(err, idempotency.ErrLockNotObtained) {
		log.Info("notification in progress elsewhere; skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release notification lock")
		}
	}()

	// a worker may have finished between the check and the lock
	if _, sent, err := p.dedup.Get(ctx, key); err == nil && sent {
		return nil
	}

	if err := p.sender.Send(ctx, n); err != nil {
		return fmt.Errorf("send %s for order %s: %w", n.Channel, n.OrderID, err)
	}
	if err := p.dedup.Set(ctx, key, []byte(p.now().UTC().Format(time.RFC3339)), p.dedupTTL); err != nil {
		// already delivered; a redelivery may duplicate it
		log.WithError(err).Warn("failed to record sent notification")
	}
	log.Info("notification sent")
	return nil
}

func dedupKey(orderID, channel string) string {
	return "notify:" + orderID + ":" + channel
}

func normalizedPhone(raw, region string) (string, error) {
	if raw == "" {
		return "", errors.New("missing phone number")
	}
	return validation.NormalizePhone(raw, region)
}
