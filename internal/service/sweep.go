package service

import (
	"context"
	"fmt"
	"time"

	"surveybot/internal/channel"
	"surveybot/internal/model"

	"go.uber.org/zap"
)

// SweepConfig controls the periodic sweeps
type SweepConfig struct {
	// StalePendingAfter is how old a pending call must be before it is dispatched again
	StalePendingAfter time.Duration
	// AutoRetryMax is how many automatic retries a failed call gets
	AutoRetryMax int
	// FollowUpAfter is the idle time before a user is nudged
	FollowUpAfter time.Duration
	// FollowUpMax caps nudges per session
	FollowUpMax int
}

// Sweeper re-drives stuck external checks and nudges idle users
type Sweeper struct {
	store   Store
	invoker *Invoker
	catalog *Catalog
	sender  channel.Sender
	locks   *UserLocks
	texts   Texts
	cfg     SweepConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewSweeper(store Store, invoker *Invoker, catalog *Catalog, sender channel.Sender, locks *UserLocks, texts Texts, cfg SweepConfig, log *zap.Logger) *Sweeper {
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = 2 * invoker.Timeout()
	}
	return &Sweeper{
		store:   store,
		invoker: invoker,
		catalog: catalog,
		sender:  sender,
		locks:   locks,
		texts:   texts,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SweepChecks re-dispatches stale pending calls and retries failed calls under the auto-retry cap
func (s *Sweeper) SweepChecks(ctx context.Context) (int, error) {
	calls, err := s.store.ListStaleCalls(ctx, s.now().Add(-s.cfg.StalePendingAfter), s.cfg.AutoRetryMax)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale calls: %w", err)
	}

	n := 0
	for _, call := range calls {
		switch call.Status {
		case model.CallPending:
			if s.invoker.InFlight(call.ID) {
				continue
			}
			if err := s.invoker.Dispatcher().Dispatch(ctx, call.ID); err != nil {
				s.log.Error("Failed to re-dispatch pending call", zap.String("callId", call.ID), zap.Error(err))
				continue
			}
		case model.CallFailed:
			if _, err := s.invoker.Retry(ctx, call.ID); err != nil {
				s.log.Warn("Failed to auto-retry call", zap.String("callId", call.ID), zap.Error(err))
				continue
			}
		default:
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("Swept external checks", zap.Int("count", n))
	}
	return n, nil
}

// SweepFollowUps re-sends the current question to users idle past FollowUpAfter
func (s *Sweeper) SweepFollowUps(ctx context.Context) (int, error) {
	if s.cfg.FollowUpMax <= 0 || s.cfg.FollowUpAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.FollowUpAfter)
	sessions, err := s.store.ListIdleSessions(ctx, cutoff, s.cfg.FollowUpMax)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	active, err := s.catalog.Active(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, candidate := range sessions {
		sent, err := s.followUp(ctx, candidate.UserID, candidate.ID, cutoff, active)
		if err != nil {
			s.log.Warn("Failed to follow up session",
				zap.String("sessionId", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		if sent {
			n++
		}
	}
	if n > 0 {
		s.log.Info("Sent follow-ups", zap.Int("count", n))
	}
	return n, nil
}

func (s *Sweeper) followUp(ctx context.Context, userID, sessionID string, cutoff time.Time, active []model.Question) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	// Re-read under the lock; the user may have answered since the listing.
	session, err := s.store.FindActiveSession(ctx, userID)
	if err != nil {
		return false, err
	}
	if session == nil || session.ID != sessionID || session.LastActivityAt.After(cutoff) || session.FollowUps >= s.cfg.FollowUpMax {
		return false, nil
	}
	q, ok := findQuestion(active, session.CurrentQuestionID)
	if !ok {
		return false, nil
	}

	next := session.Clone()
	next.FollowUps++
	next.LastActivityAt = s.now()
	if err := s.store.SaveSession(ctx, next); err != nil {
		return false, fmt.Errorf("failed to save session: %w", err)
	}

	text := s.texts.FollowUp + "\n\n" + s.texts.Render(*q)
	if err := s.sender.Send(ctx, userID, text); err != nil {
		return false, fmt.Errorf("failed to send follow-up: %w", err)
	}
	_ = s.store.AppendLedger(ctx, model.LedgerEntry{
		UserID:    userID,
		Direction: model.DirectionOutbound,
		Text:      text,
		Timestamp: s.now(),
	})
	return true, nil
}
