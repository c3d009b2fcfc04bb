package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	RoutingInbound   = "wa.inbound.message"
	RoutingLifecycle = "wa.lifecycle.*"
	RoutingOutbound  = "wa.outbound.text"
)

// Envelope wraps every message exchanged with the gateway
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// LifecycleEvent is published by the gateway when its session changes state
type LifecycleEvent struct {
	Type   string `json:"type"` // "qr", "ready", "disconnected"
	QRCode string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OutboundText is published for every message the bot sends
type OutboundText struct {
	OutboundID string `json:"outbound_id"`
	To         string `json:"to"`
	Text       string `json:"text"`
}

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// AMQPTransport bridges to a WhatsApp gateway over a RabbitMQ topic exchange
type AMQPTransport struct {
	cfg    AMQPConfig
	log    *zap.Logger
	client *http.Client

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
	done chan struct{}
}

func NewAMQPTransport(cfg AMQPConfig, log *zap.Logger) *AMQPTransport {
	if cfg.Exchange == "" {
		cfg.Exchange = "whatsapp"
	}
	if cfg.Queue == "" {
		cfg.Queue = "surveybot.inbound"
	}
	return &AMQPTransport{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *AMQPTransport) Start(ctx context.Context, events Events) error {
	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := pub.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := sub.Qos(10, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	q, err := sub.QueueDeclare(t.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, key := range []string{RoutingInbound, RoutingLifecycle} {
		if err := sub.QueueBind(q.Name, key, t.cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	deliveries, err := sub.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume: %w", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.pub = pub
	t.done = done
	t.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case <-done:
		case amqpErr, ok := <-closed:
			if events.OnDisconnected == nil {
				return
			}
			reason := "connection closed"
			if ok && amqpErr != nil {
				reason = amqpErr.Reason
			}
			events.OnDisconnected(reason)
		}
	}()

	go t.consume(deliveries, events, done)

	t.log.Info("AMQP transport started",
		zap.String("exchange", t.cfg.Exchange),
		zap.String("queue", q.Name),
	)
	return nil
}

func (t *AMQPTransport) consume(deliveries <-chan amqp.Delivery, events Events, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handedOff, err := t.handle(d, events)
			if err != nil {
				t.log.Warn("Dropping malformed delivery",
					zap.String("routingKey", d.RoutingKey),
					zap.Error(err),
				)
				_ = d.Nack(false, false)
				continue
			}
			if !handedOff {
				_ = d.Ack(false)
			}
		}
	}
}

// handle decodes one delivery. Inbound messages are handed off and acknowledged through
// InboundMessage.Settle once processed; handedOff reports that the caller must not ack.
func (t *AMQPTransport) handle(d amqp.Delivery, events Events) (handedOff bool, err error) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return false, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if strings.HasPrefix(d.RoutingKey, "wa.lifecycle.") {
		var ev LifecycleEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return false, fmt.Errorf("failed to decode lifecycle event: %w", err)
		}
		switch ev.Type {
		case "qr":
			if events.OnQRCode != nil {
				events.OnQRCode(ev.QRCode)
			}
		case "ready":
			if events.OnReady != nil {
				events.OnReady()
			}
		case "disconnected":
			if events.OnDisconnected != nil {
				events.OnDisconnected(ev.Reason)
			}
		default:
			return false, fmt.Errorf("unknown lifecycle event: %s", ev.Type)
		}
		return false, nil
	}

	var msg InboundMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return false, fmt.Errorf("failed to decode inbound message: %w", err)
	}
	if msg.From == "" {
		return false, fmt.Errorf("inbound message has no sender")
	}
	if msg.MessageID == "" {
		msg.MessageID = env.Meta.ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = env.Meta.Time
	}
	if events.OnMessage == nil {
		return false, nil
	}
	events.OnMessage(msg.WithSettle(func(err error) {
		if err != nil {
			t.log.Warn("Requeueing unprocessed message",
				zap.String("messageId", msg.MessageID),
				zap.Error(err),
			)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}))
	return true, nil
}

func (t *AMQPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	close(t.done)
	err := t.conn.Close()
	t.conn = nil
	t.pub = nil
	return err
}

func (t *AMQPTransport) Send(ctx context.Context, to, text string) error {
	data, err := json.Marshal(OutboundText{OutboundID: uuid.NewString(), To: to, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode outbound text: %w", err)
	}
	env := Envelope{
		Meta: Meta{ID: uuid.NewString(), Time: time.Now().UTC(), Type: "wa.outbound.text.v1"},
		Data: data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub == nil {
		return ErrNotReady
	}
	confirm, err := t.pub.PublishWithDeferredConfirmWithContext(ctx, t.cfg.Exchange, RoutingOutbound, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: uuid.NewString(),
			Timestamp:     env.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish outbound text: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm outbound text: %w", err)
	}
	if !ok {
		return fmt.Errorf("outbound text was nacked by broker")
	}
	return nil
}

func (t *AMQPTransport) DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error) {
	return inlineOrFetch(ctx, t.client, msg)
}
