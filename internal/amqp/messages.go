package amqp

import (
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const contentType = "application/json"

// newPublishing wraps a protocol envelope for the broker. Envelopes are
// persistent so queued requests survive a broker restart while no worker is
// consuming.
func newPublishing(body []byte) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
}
