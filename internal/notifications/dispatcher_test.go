package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

type sent struct {
	body  string
	attrs map[string]string
	delay time.Duration
}

type fakeQueue struct {
	sent []sent
	fail map[time.Duration]error
}

func (q *fakeQueue) SendOrderMessage(ctx context.Context, body string, attrs map[string]string) error {
	return q.SendDelayedOrderMessage(ctx, body, attrs, 0)
}

func (q *fakeQueue) SendDelayedOrderMessage(_ context.Context, body string, attrs map[string]string, delay time.Duration) error {
	if err := q.fail[delay]; err != nil {
		return err
	}
	q.sent = append(q.sent, sent{body: body, attrs: attrs, delay: delay})
	return nil
}

func newDispatcher(q Queue, now time.Time) *Dispatcher {
	log, _ := test.NewNullLogger()
	d := NewDispatcher(q, log)
	d.now = func() time.Time { return now }
	return d
}

func TestDispatcher_OrderPlaced(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	q := &fakeQueue{}
	d := newDispatcher(q, now)

	order := &orders.Order{ID: "o-1", IdempotencyKey: "k-1", GraceExpiresAt: now.Add(3 * time.Minute)}
	require.NoError(t, d.OrderPlaced(context.Background(), order))
	require.Len(t, q.sent, 2)

	confirm, err := Decode(q.sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, Message{Type: TypeOrderConfirmation, OrderID: "o-1", IdempotencyKey: "k-1"}, confirm)
	assert.Zero(t, q.sent[0].delay)
	assert.Equal(t, "o-1", q.sent[0].attrs["order_id"])

	expiry, err := Decode(q.sent[1].body)
	require.NoError(t, err)
	assert.Equal(t, TypeGraceExpiry, expiry.Type)
	assert.Equal(t, 3*time.Minute, q.sent[1].delay)
}

func TestDispatcher_OrderPlacedAttemptsBoth(t *testing.T) {
	now := time.Now()
	boom := errors.New("queue down")
	q := &fakeQueue{fail: map[time.Duration]error{0: boom}}
	d := newDispatcher(q, now)

	err := d.OrderPlaced(context.Background(), &orders.Order{ID: "o-1", GraceExpiresAt: now.Add(time.Minute)})
	assert.ErrorIs(t, err, boom)
	require.Len(t, q.sent, 1)
	assert.Equal(t, time.Minute, q.sent[0].delay)
}

func TestDecode(t *testing.T) {
	_, err := Decode(`{"type":"order_confirmation"}`)
	assert.Error(t, err)
	_, err = Decode(`{"type":"nope","order_id":"o"}`)
	assert.Error(t, err)
	_, err = Decode(`not json`)
	assert.Error(t, err)

	msg, err := Decode(`{"type":"grace_expiry","order_id":"o-2"}`)
	require.NoError(t, err)
	assert.Equal(t, "o-2", msg.OrderID)
}
