package notifications

import (
	"encoding/json"
	"fmt"
)

// Message types carried on the orders queue.
const (
	TypeOrderConfirmation = "order_confirmation"
	TypeGraceExpiry       = "grace_expiry"
)

// Message is the queue payload consumed by the worker.
type Message struct {
	Type           string `json:"type"`
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Decode parses a queue body.
func Decode(body string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Message{}, fmt.Errorf("invalid message body: %w", err)
	}
	if msg.OrderID == "" {
		return Message{}, fmt.Errorf("invalid message body: missing order_id")
	}
	switch msg.Type {
	case TypeOrderConfirmation, TypeGraceExpiry:
	default:
		return Message{}, fmt.Errorf("invalid message body: unknown type %q", msg.Type)
	}
	return msg, nil
}

func (m Message) attributes() map[string]string {
	return map[string]string{
		"type":            m.Type,
		"order_id":        m.OrderID,
		"idempotency_key": m.IdempotencyKey,
		"correlation_id":  m.CorrelationID,
	}
}
