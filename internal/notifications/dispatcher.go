package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// Queue is the subset of *aws.Publisher the dispatcher needs.
type Queue interface {
	SendOrderMessage(ctx context.Context, messageBody string, attributes map[string]string) error
	SendDelayedOrderMessage(ctx context.Context, messageBody string, attributes map[string]string, delay time.Duration) error
}

// Dispatcher enqueues the follow-up work of a committed order: the customer
// confirmation and the grace-expiry check.
type Dispatcher struct {
	queue Queue
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewDispatcher(queue Queue, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{queue: queue, log: log, now: time.Now}
}

// OrderPlaced implements orders.Notifier. Both messages are attempted even
// when the first fails.
func (d *Dispatcher) OrderPlaced(ctx context.Context, order *orders.Order) error {
	confirm := Message{Type: TypeOrderConfirmation, OrderID: order.ID, IdempotencyKey: order.IdempotencyKey}
	errConfirm := d.send(ctx, confirm, 0)

	expiry := Message{Type: TypeGraceExpiry, OrderID: order.ID, IdempotencyKey: order.IdempotencyKey}
	errExpiry := d.send(ctx, expiry, order.GraceExpiresAt.Sub(d.now()))

	return errors.Join(errConfirm, errExpiry)
}

// ScheduleGraceExpiry re-enqueues a grace-expiry check that arrived before the
// grace period ended.
func (d *Dispatcher) ScheduleGraceExpiry(ctx context.Context, orderID string, at time.Time) error {
	return d.send(ctx, Message{Type: TypeGraceExpiry, OrderID: orderID}, at.Sub(d.now()))
}

func (d *Dispatcher) send(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if delay > 0 {
		err = d.queue.SendDelayedOrderMessage(ctx, string(body), msg.attributes(), delay)
	} else {
		err = d.queue.SendOrderMessage(ctx, string(body), msg.attributes())
	}
	if err != nil {
		return fmt.Errorf("enqueue %s for order %s: %w", msg.Type, msg.OrderID, err)
	}
	d.log.WithFields(logrus.Fields{"order_id": msg.OrderID, "type": msg.Type, "delay": delay.String()}).Debug("order message enqueued")
	return nil
}
