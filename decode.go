package rabbitmqinput

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// decodeBody returns the delivery body as text. Bodies that are not valid
// UTF-8 are rejected rather than repaired.
func decodeBody(d amqp.Delivery) (string, error) {
	text, n, err := transform.Bytes(encoding.UTF8Validator, d.Body)
	if err != nil {
		return "", &DecodeError{
			DeliveryTag: d.DeliveryTag,
			MessageID:   d.MessageId,
			Offset:      n,
			Size:        len(d.Body),
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return string(text), nil
}
