package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"surveybot/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (b *recordingBus) PublishAdmin(event map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func TestSupervisor_Lifecycle(t *testing.T) {
	transport := NewMemoryTransport()
	bus := &recordingBus{}
	sup := NewSupervisor(transport, bus, zap.NewNop())

	assert.Equal(t, model.BotStopped, sup.Status().State)
	assert.ErrorIs(t, sup.Send(context.Background(), "u1", "hi"), ErrNotReady)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, model.BotReady, sup.Status().State)
	require.NoError(t, sup.Send(context.Background(), "u1", "hi"))
	assert.Equal(t, []string{"hi"}, transport.SentTo("u1"))

	transport.Disconnect("logged out")
	st := sup.Status()
	assert.Equal(t, model.BotDisconnected, st.State)
	assert.Equal(t, "logged out", st.Reason)

	require.NoError(t, sup.Stop())
	assert.Equal(t, model.BotStopped, sup.Status().State)
	assert.NotEmpty(t, bus.events)
	assert.Equal(t, "bot.status", bus.events[0]["type"])
}

func TestSupervisor_DeliversToHandler(t *testing.T) {
	transport := NewMemoryTransport()
	sup := NewSupervisor(transport, nil, zap.NewNop())

	var got []InboundMessage
	sup.SetHandler(func(ctx context.Context, msg InboundMessage) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, transport.Inject(InboundMessage{MessageID: "m1", From: "u1", Body: "hello"}))
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Body)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSupervisor_DeliverWithoutHandler(t *testing.T) {
	sup := NewSupervisor(NewMemoryTransport(), nil, zap.NewNop())
	var settled error
	msg := InboundMessage{From: "u1"}.WithSettle(func(err error) { settled = err })
	err := sup.Deliver(context.Background(), msg)
	assert.Error(t, err)
	assert.Equal(t, err, settled)
}

func TestSupervisor_RefusedMessageIsSettled(t *testing.T) {
	sup := NewSupervisor(NewMemoryTransport(), nil, zap.NewNop())
	refused := errors.New("queue full")
	sup.SetHandler(func(ctx context.Context, msg InboundMessage) error { return refused })

	var settled []error
	msg := InboundMessage{From: "u1"}.WithSettle(func(err error) { settled = append(settled, err) })
	require.ErrorIs(t, sup.Deliver(context.Background(), msg), refused)
	assert.Equal(t, []error{refused}, settled)
}

func TestSupervisor_AcceptedMessageIsLeftToHandler(t *testing.T) {
	sup := NewSupervisor(NewMemoryTransport(), nil, zap.NewNop())
	var owned InboundMessage
	sup.SetHandler(func(ctx context.Context, msg InboundMessage) error {
		owned = msg
		return nil
	})

	settled := 0
	msg := InboundMessage{From: "u1"}.WithSettle(func(error) { settled++ })
	require.NoError(t, sup.Deliver(context.Background(), msg))
	assert.Zero(t, settled)

	owned.Settle(nil)
	assert.Equal(t, 1, settled)
}

type failingTransport struct{ *MemoryTransport }

func (failingTransport) Start(context.Context, Events) error { return errors.New("boom") }

func TestSupervisor_StartFailure(t *testing.T) {
	sup := NewSupervisor(failingTransport{NewMemoryTransport()}, nil, zap.NewNop())
	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.BotDisconnected, sup.Status().State)
	assert.Equal(t, "boom", sup.Status().Reason)
}
