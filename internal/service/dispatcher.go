package service

import (
	"context"
	"errors"
	"time"

	"surveybot/internal/channel"
	"surveybot/internal/model"

	"go.uber.org/zap"
)

// DispatcherConfig controls inbound handling
type DispatcherConfig struct {
	// AllowMultipleAttempts lets users start a new session after completing one
	AllowMultipleAttempts bool
}

// Dispatcher turns inbound messages into session transitions and replies
type Dispatcher struct {
	store    Store
	sessions *SessionService
	welcome  *WelcomeSelector
	channel  channel.Channel
	locks    *UserLocks
	texts    Texts
	cfg      DispatcherConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewDispatcher(store Store, sessions *SessionService, welcome *WelcomeSelector, ch channel.Channel, locks *UserLocks, texts Texts, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sessions: sessions,
		welcome:  welcome,
		channel:  ch,
		locks:    locks,
		texts:    texts,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// OnMessage handles one inbound message. Messages from the same user are serialized.
func (d *Dispatcher) OnMessage(ctx context.Context, msg channel.InboundMessage) error {
	userID := msg.From
	d.log.Debug("Inbound message",
		zap.String("userId", userID),
		zap.String("messageId", msg.MessageID),
		zap.Bool("hasMedia", msg.HasMedia),
	)

	unlock := d.locks.Lock(userID)
	defer unlock()

	messages, mediaRef, err := d.process(ctx, msg)
	if mediaRef == "" && msg.HasMedia {
		mediaRef = inboundLocator(msg)
	}
	d.record(ctx, model.LedgerEntry{
		UserID:    userID,
		Direction: model.DirectionInbound,
		Text:      msg.Body,
		MediaRef:  mediaRef,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		if errors.Is(err, ErrNoActiveQuestions) {
			messages = []string{d.texts.NoQuestions}
		} else {
			d.log.Error("Failed to process message",
				zap.String("userId", userID),
				zap.String("messageId", msg.MessageID),
				zap.Error(err),
			)
			messages = []string{d.texts.GenericError}
		}
	}

	d.sendAll(ctx, userID, messages)
	return nil
}

// process returns the replies for msg and the stored media reference when media was accepted
func (d *Dispatcher) process(ctx context.Context, msg channel.InboundMessage) ([]string, string, error) {
	session, err := d.store.FindActiveSession(ctx, msg.From)
	if err != nil {
		return nil, "", err
	}

	if session == nil {
		count, err := d.store.CountSessions(ctx, msg.From)
		if err != nil {
			return nil, "", err
		}
		if count > 0 && !d.cfg.AllowMultipleAttempts {
			return []string{d.texts.AlreadyCompleted}, "", nil
		}
		_, messages, err := d.sessions.Start(ctx, msg.From)
		if err != nil {
			return nil, "", err
		}
		if count == 0 && d.welcome != nil {
			messages = append([]string{d.welcome.Select(ctx)}, messages...)
		}
		return messages, "", nil
	}

	out, err := d.sessions.Advance(ctx, session, Input{
		MessageID: msg.MessageID,
		Text:      msg.Body,
		HasMedia:  msg.HasMedia,
		Media: func(ctx context.Context) (*channel.Media, error) {
			return d.channel.DownloadMedia(ctx, msg)
		},
	})
	if err != nil {
		return nil, "", err
	}
	return out.Messages, out.MediaRef, nil
}

// inboundLocator identifies unstored media by the transport's locator, falling back to the message id
func inboundLocator(msg channel.InboundMessage) string {
	if msg.MediaURL != "" {
		return msg.MediaURL
	}
	if msg.MessageID != "" {
		return "message:" + msg.MessageID
	}
	return ""
}

// sendAll sends messages in order. Send failures are logged and do not roll back state.
func (d *Dispatcher) sendAll(ctx context.Context, userID string, messages []string) {
	for _, text := range messages {
		if text == "" {
			continue
		}
		if err := d.channel.Send(ctx, userID, text); err != nil {
			d.log.Warn("Failed to send message",
				zap.String("userId", userID),
				zap.Error(err),
			)
			continue
		}
		d.record(ctx, model.LedgerEntry{
			UserID:    userID,
			Direction: model.DirectionOutbound,
			Text:      text,
			Timestamp: d.now(),
		})
	}
}

func (d *Dispatcher) record(ctx context.Context, entry model.LedgerEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = d.now()
	}
	if err := d.store.AppendLedger(ctx, entry); err != nil {
		d.log.Warn("Failed to append ledger entry",
			zap.String("userId", entry.UserID),
			zap.String("direction", string(entry.Direction)),
			zap.Error(err),
		)
	}
}
