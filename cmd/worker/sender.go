package main

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Notification is one rendered customer message.
type Notification struct {
	OrderID string
	Channel string
	To      string
	Subject string
	Body    string
}

// Sender delivers notifications to a provider.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log instead of a provider.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Log.WithFields(logrus.Fields{
		"order_id": n.OrderID,
		"channel":  n.Channel,
		"to":       n.To,
		"subject":  n.Subject,
	}).Info(n.Body)
	return nil
}
