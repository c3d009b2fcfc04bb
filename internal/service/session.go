package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surveybot/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// CheckDispatcher schedules an external check invocation
type CheckDispatcher interface {
	Dispatch(ctx context.Context, callID string) error
}

// Outcome is the result of a session transition
type Outcome struct {
	Session   *model.Session
	Messages  []string
	Completed bool
	Calls     []*model.ExternalCheckCall
	// MediaRef is the stored location of media accepted with this input
	MediaRef string
}

// SessionService is the only component that mutates survey sessions
type SessionService struct {
	store     Store
	catalog   *Catalog
	validator *Validator
	texts     Texts
	bus       EventBus
	checks    CheckDispatcher
	log       *zap.Logger
	now       func() time.Time
}

func NewSessionService(store Store, catalog *Catalog, validator *Validator, texts Texts, bus EventBus, log *zap.Logger) *SessionService {
	if bus == nil {
		bus = nopBus{}
	}
	return &SessionService{
		store:     store,
		catalog:   catalog,
		validator: validator,
		texts:     texts,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// SetCheckDispatcher sets how confirmed external checks are scheduled
func (s *SessionService) SetCheckDispatcher(d CheckDispatcher) {
	s.checks = d
}

// Start creates a session on the first eligible active question
func (s *SessionService) Start(ctx context.Context, userID string) (*model.Session, []string, error) {
	active, err := s.catalog.Active(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	first, ok := FirstQuestion(active, nil)
	if !ok {
		return nil, nil, ErrNoActiveQuestions
	}

	now := s.now()
	session := &model.Session{
		ID:                ulid.Make().String(),
		UserID:            userID,
		CurrentQuestionID: first.ID,
		Answers:           []model.Answer{},
		StartedAt:         now,
		LastActivityAt:    now,
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to create session: %w", ErrPersistence, err)
	}

	s.publish(session, "session.started")
	return session, []string{s.texts.Render(*first)}, nil
}

// Advance applies one user input to the session. The caller's session is never modified;
// on success Outcome.Session holds the persisted state.
func (s *SessionService) Advance(ctx context.Context, session *model.Session, in Input) (*Outcome, error) {
	if session.IsCompleted {
		return nil, ErrSessionCompleted
	}
	active, err := s.catalog.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	current, ok := findQuestion(active, session.CurrentQuestionID)
	if !ok {
		s.log.Warn("Session points at inactive question",
			zap.String("sessionId", session.ID),
			zap.String("questionId", session.CurrentQuestionID),
			zap.Error(ErrStaleQuestion),
		)
		return s.resume(ctx, session, active)
	}

	verdict, err := s.validator.Validate(ctx, *current, session.UserID, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !verdict.Accepted {
		return &Outcome{Session: session, Messages: []string{verdict.Correction}}, nil
	}

	now := s.now()
	next := session.Clone()
	next.Answers = append(next.Answers, model.Answer{
		QuestionID:       current.ID,
		RawAnswer:        in.Text,
		NormalizedAnswer: verdict.Normalized,
		MediaRef:         verdict.MediaRef,
		AnsweredAt:       now,
	})
	next.LastActivityAt = now
	next.FollowUps = 0

	var messages []string
	var calls []*model.ExternalCheckCall
	if current.ResponseKind == model.ResponseExternalCheck && current.ExternalCheck != nil {
		switch verdict.Confirmation {
		case ConfirmAffirmative:
			calls = append(calls, &model.ExternalCheckCall{
				ID:             ulid.Make().String(),
				UserID:         next.UserID,
				SessionID:      next.ID,
				QuestionID:     current.ID,
				EndpointID:     current.ExternalCheck.EndpointID,
				RequestPayload: BuildPayload(*current.ExternalCheck, next),
				Status:         model.CallPending,
				CreatedAt:      now,
			})
			if current.ExternalCheck.ProcessingMessage != "" {
				messages = append(messages, current.ExternalCheck.ProcessingMessage)
			}
		case ConfirmNegative:
			if current.ExternalCheck.DeclineMessage != "" {
				messages = append(messages, current.ExternalCheck.DeclineMessage)
			}
		}
	}

	messages = append(messages, s.moveOn(next, active, *current, now)...)

	if err := s.store.SaveSession(ctx, next, calls...); err != nil {
		return nil, fmt.Errorf("%w: failed to save session: %w", ErrPersistence, err)
	}

	s.afterCommit(ctx, next, calls)
	return &Outcome{
		Session:   next,
		Messages:  messages,
		Completed: next.IsCompleted,
		Calls:     calls,
		MediaRef:  verdict.MediaRef,
	}, nil
}

// resume re-anchors a session whose current question disappeared. The input is not consumed.
func (s *SessionService) resume(ctx context.Context, session *model.Session, active []model.Question) (*Outcome, error) {
	now := s.now()
	next := session.Clone()
	next.LastActivityAt = now

	var messages []string
	if q, ok := resumePoint(active, next.Answers); ok {
		next.CurrentQuestionID = q.ID
		messages = []string{s.texts.Render(*q)}
	} else {
		complete(next, now)
		messages = []string{s.texts.Completed}
	}

	if err := s.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("%w: failed to save session: %w", ErrPersistence, err)
	}
	s.afterCommit(ctx, next, nil)
	return &Outcome{Session: next, Messages: messages, Completed: next.IsCompleted}, nil
}

func (s *SessionService) moveOn(next *model.Session, active []model.Question, current model.Question, now time.Time) []string {
	if q, ok := NextQuestion(active, current, next.Answers); ok {
		next.CurrentQuestionID = q.ID
		return []string{s.texts.Render(*q)}
	}
	complete(next, now)
	return []string{s.texts.Completed}
}

func complete(s *model.Session, now time.Time) {
	s.IsCompleted = true
	s.CompletedAt = &now
}

func (s *SessionService) afterCommit(ctx context.Context, session *model.Session, calls []*model.ExternalCheckCall) {
	if session.IsCompleted {
		s.publish(session, "session.completed")
	} else {
		s.publish(session, "session.advanced")
	}

	for _, call := range calls {
		_ = s.bus.PublishCheck(call.ID, map[string]interface{}{
			"type":   "check.created",
			"callId": call.ID,
			"userId": call.UserID,
			"status": string(call.Status),
		})
		if s.checks == nil {
			s.log.Warn("No check dispatcher configured, call left pending", zap.String("callId", call.ID))
			continue
		}
		if err := s.checks.Dispatch(ctx, call.ID); err != nil {
			// The stale-call sweep picks up calls whose dispatch failed.
			s.log.Error("Failed to dispatch external check",
				zap.String("callId", call.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *SessionService) publish(session *model.Session, eventType string) {
	event := map[string]interface{}{
		"type":              eventType,
		"sessionId":         session.ID,
		"userId":            session.UserID,
		"currentQuestionId": session.CurrentQuestionID,
		"answers":           len(session.Answers),
	}
	_ = s.bus.PublishUser(session.UserID, event)
	_ = s.bus.PublishAdmin(event)
}

// GetSession returns a session by id
func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}
