package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/rotationd/cache"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrMissingBatchID rejects payloads the AMQP sink cannot derive a message id from.
var ErrMissingBatchID = errors.New("notify: payload has no batch_id")

// Envelope is the wire form both sinks publish.
type Envelope struct {
	UserID  int64           `json:"user_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ---- Pub/Sub ----

// PubSubSink publishes envelopes on a cache pub/sub channel (Redis or
// in-process). Subscribers that are offline miss messages.
type PubSubSink struct {
	ps      cache.PubSub
	channel string
}

func NewPubSubSink(ps cache.PubSub, channel string) *PubSubSink {
	return &PubSubSink{ps: ps, channel: channel}
}

func (s *PubSubSink) Enqueue(ctx context.Context, userID int64, kind string, payload []byte) error {
	body, err := json.Marshal(Envelope{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return s.ps.Publish(ctx, s.channel, string(body))
}

// ---- AMQP ----

// Publisher is the part of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes envelopes to a durable fanout exchange.
type AMQPSink struct {
	pub      Publisher
	exchange string
	logger   *zap.Logger
}

// DeclareExchange declares the durable fanout exchange the sink publishes to.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("notify: declare exchange %q: %w", exchange, err)
	}
	return nil
}

func NewAMQPSink(pub Publisher, exchange string, logger *zap.Logger) *AMQPSink {
	return &AMQPSink{pub: pub, exchange: exchange, logger: logger.Named("AMQPSink")}
}

func (s *AMQPSink) Enqueue(ctx context.Context, userID int64, kind string, payload []byte) error {
	body, err := json.Marshal(Envelope{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	var meta struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return fmt.Errorf("notify: amqp payload: %w", err)
	}
	if meta.BatchID == "" {
		return fmt.Errorf("notify: amqp payload: %w", ErrMissingBatchID)
	}

	err = s.pub.PublishWithContext(ctx,
		s.exchange,
		"",    // fanout ignores the routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    fmt.Sprintf("%d:%s:%s", userID, kind, meta.BatchID),
			Timestamp:    time.Now(),
			Type:         kind,
			Body:         body,
		},
	)
	if err != nil {
		s.logger.Error("publish failed", zap.Int64("user_id", userID), zap.String("kind", kind), zap.Error(err))
		return fmt.Errorf("notify: amqp publish: %w", err)
	}
	return nil
}
