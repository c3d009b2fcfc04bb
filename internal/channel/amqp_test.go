package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func delivery(t *testing.T, key string, data interface{}) amqp.Delivery {
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(Envelope{Meta: Meta{ID: "env-1", Type: "test"}, Data: raw})
	require.NoError(t, err)
	return amqp.Delivery{RoutingKey: key, Body: body}
}

func TestAMQPTransport_HandleInbound(t *testing.T) {
	tr := NewAMQPTransport(AMQPConfig{URL: "amqp://unused"}, zap.NewNop())

	var got InboundMessage
	handedOff, err := tr.handle(delivery(t, RoutingInbound, InboundMessage{From: "u1@c.us", Body: "hi"}), Events{
		OnMessage: func(msg InboundMessage) { got = msg },
	})
	require.NoError(t, err)
	assert.True(t, handedOff)
	assert.Equal(t, "u1@c.us", got.From)
	assert.Equal(t, "env-1", got.MessageID)
}

type recordingAcknowledger struct {
	acks, nacks int
	requeued    bool
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestAMQPTransport_InboundAckedAfterProcessing(t *testing.T) {
	tr := NewAMQPTransport(AMQPConfig{URL: "amqp://unused"}, zap.NewNop())
	ack := &recordingAcknowledger{}
	d := delivery(t, RoutingInbound, InboundMessage{From: "u1@c.us", Body: "hi"})
	d.Acknowledger = ack

	var got InboundMessage
	handedOff, err := tr.handle(d, Events{OnMessage: func(msg InboundMessage) { got = msg }})
	require.NoError(t, err)
	require.True(t, handedOff)
	assert.Zero(t, ack.acks, "not acknowledged while still queued for processing")

	got.Settle(nil)
	got.Settle(nil)
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestAMQPTransport_InboundRequeuedOnFailure(t *testing.T) {
	tr := NewAMQPTransport(AMQPConfig{URL: "amqp://unused"}, zap.NewNop())
	ack := &recordingAcknowledger{}
	d := delivery(t, RoutingInbound, InboundMessage{From: "u1@c.us", Body: "hi"})
	d.Acknowledger = ack

	var got InboundMessage
	_, err := tr.handle(d, Events{OnMessage: func(msg InboundMessage) { got = msg }})
	require.NoError(t, err)

	got.Settle(errors.New("pool closed"))
	got.Settle(nil)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeued)
	assert.Zero(t, ack.acks)
}

func TestAMQPTransport_HandleLifecycle(t *testing.T) {
	tr := NewAMQPTransport(AMQPConfig{URL: "amqp://unused"}, zap.NewNop())

	var qr, reason string
	ready := false
	events := Events{
		OnQRCode:       func(data string) { qr = data },
		OnReady:        func() { ready = true },
		OnDisconnected: func(r string) { reason = r },
	}

	for _, d := range []amqp.Delivery{
		delivery(t, "wa.lifecycle.qr", LifecycleEvent{Type: "qr", QRCode: "QR"}),
		delivery(t, "wa.lifecycle.ready", LifecycleEvent{Type: "ready"}),
		delivery(t, "wa.lifecycle.disconnected", LifecycleEvent{Type: "disconnected", Reason: "NAVIGATION"}),
	} {
		handedOff, err := tr.handle(d, events)
		require.NoError(t, err)
		assert.False(t, handedOff, d.RoutingKey)
	}

	assert.Equal(t, "QR", qr)
	assert.True(t, ready)
	assert.Equal(t, "NAVIGATION", reason)

	for _, d := range []amqp.Delivery{
		delivery(t, "wa.lifecycle.x", LifecycleEvent{Type: "weird"}),
		delivery(t, RoutingInbound, InboundMessage{Body: "no sender"}),
		{RoutingKey: RoutingInbound, Body: []byte("{")},
	} {
		_, err := tr.handle(d, events)
		assert.Error(t, err, d.RoutingKey)
	}
}

func TestAMQPTransport_SendWhenStopped(t *testing.T) {
	tr := NewAMQPTransport(AMQPConfig{URL: "amqp://unused"}, zap.NewNop())
	assert.ErrorIs(t, tr.Send(context.Background(), "u1", "hi"), ErrNotReady)
}

func TestInlineOrFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	ctx := context.Background()

	m, err := inlineOrFetch(ctx, srv.Client(), InboundMessage{HasMedia: true, MediaURL: srv.URL + "/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, "png", string(m.Data))

	m, err = inlineOrFetch(ctx, srv.Client(), InboundMessage{HasMedia: true, MediaData: []byte("x"), MimeType: "image/gif"})
	require.NoError(t, err)
	assert.Equal(t, "image/gif", m.MimeType)

	_, err = inlineOrFetch(ctx, srv.Client(), InboundMessage{HasMedia: true, MediaURL: srv.URL + "/missing"})
	assert.Error(t, err)

	_, err = inlineOrFetch(ctx, srv.Client(), InboundMessage{})
	assert.ErrorIs(t, err, ErrNoMedia)
}
