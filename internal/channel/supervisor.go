package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"surveybot/internal/model"

	"go.uber.org/zap"
)

// StatusPublisher receives bot status changes
type StatusPublisher interface {
	PublishAdmin(event map[string]interface{}) error
}

// Supervisor owns the process-wide transport session and its status
type Supervisor struct {
	transport Transport
	bus       StatusPublisher
	log       *zap.Logger

	mu      sync.RWMutex
	status  model.BotStatus
	handler MessageHandler
	baseCtx context.Context
}

func NewSupervisor(transport Transport, bus StatusPublisher, log *zap.Logger) *Supervisor {
	return &Supervisor{
		transport: transport,
		bus:       bus,
		log:       log,
		status:    model.BotStatus{State: model.BotStopped, UpdatedAt: time.Now()},
		baseCtx:   context.Background(),
	}
}

// SetHandler sets the inbound message consumer
func (s *Supervisor) SetHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start connects the transport. Starting an already running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status.State {
	case model.BotStarting, model.BotWaitingScan, model.BotReady:
		s.mu.Unlock()
		return nil
	}
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.setStatus(model.BotStarting, "", "")
	err := s.transport.Start(ctx, Events{
		OnMessage: func(msg InboundMessage) {
			if err := s.Deliver(s.context(), msg); err != nil {
				s.log.Error("Failed to deliver inbound message",
					zap.String("messageId", msg.MessageID),
					zap.Error(err),
				)
			}
		},
		OnReady: func() {
			s.setStatus(model.BotReady, "", "")
		},
		OnDisconnected: func(reason string) {
			s.setStatus(model.BotDisconnected, "", reason)
		},
		OnQRCode: func(data string) {
			s.setStatus(model.BotWaitingScan, data, "")
		},
	})
	if err != nil {
		s.setStatus(model.BotDisconnected, "", err.Error())
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Stop disconnects the transport
func (s *Supervisor) Stop() error {
	if err := s.transport.Stop(); err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	s.setStatus(model.BotStopped, "", "")
	return nil
}

// Status returns the current bot status
func (s *Supervisor) Status() model.BotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Deliver hands an inbound message to the registered handler. A message the handler
// refuses is settled with the error so the transport can redeliver it.
func (s *Supervisor) Deliver(ctx context.Context, msg InboundMessage) error {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		err := fmt.Errorf("no message handler registered")
		msg.Settle(err)
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := h(ctx, msg); err != nil {
		msg.Settle(err)
		return err
	}
	return nil
}

func (s *Supervisor) Send(ctx context.Context, to, text string) error {
	if !s.Status().Active() {
		return ErrNotReady
	}
	return s.transport.Send(ctx, to, text)
}

func (s *Supervisor) DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error) {
	return s.transport.DownloadMedia(ctx, msg)
}

func (s *Supervisor) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

func (s *Supervisor) setStatus(state model.BotState, qr, reason string) {
	s.mu.Lock()
	s.status = model.BotStatus{State: state, QRCode: qr, Reason: reason, UpdatedAt: time.Now()}
	status := s.status
	s.mu.Unlock()

	s.log.Info("Bot status changed",
		zap.String("state", string(state)),
		zap.String("reason", reason),
	)
	if s.bus != nil {
		_ = s.bus.PublishAdmin(map[string]interface{}{
			"type":   "bot.status",
			"status": status,
		})
	}
}
