package service

import (
	"context"
	"time"

	"surveybot/internal/model"
)

// QuestionStore reads and writes questionnaire definitions
type QuestionStore interface {
	// ListActiveQuestions returns active questions sorted by (order, id)
	ListActiveQuestions(ctx context.Context) ([]model.Question, error)
	ListQuestions(ctx context.Context) ([]model.Question, error)
	GetQuestion(ctx context.Context, id string) (*model.Question, error)
	UpsertQuestion(ctx context.Context, q model.Question) (*model.Question, error)
	SetQuestionActive(ctx context.Context, id string, active bool) error
}

// SessionStore persists survey sessions
type SessionStore interface {
	// FindActiveSession returns the non-completed session for a user, or nil
	FindActiveSession(ctx context.Context, userID string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// SaveSession upserts the session and inserts newCalls in one atomic unit
	SaveSession(ctx context.Context, s *model.Session, newCalls ...*model.ExternalCheckCall) error
	CountSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]model.Session, error)
	// ListIdleSessions returns in-progress sessions idle since before the cutoff
	ListIdleSessions(ctx context.Context, idleBefore time.Time, maxFollowUps int) ([]model.Session, error)
}

// CallStore persists external check calls
type CallStore interface {
	GetCall(ctx context.Context, id string) (*model.ExternalCheckCall, error)
	ListCalls(ctx context.Context, status *model.CallStatus, limit, offset int) ([]model.ExternalCheckCall, error)
	// MarkCallResult moves a pending call to a terminal status exactly once
	MarkCallResult(ctx context.Context, id string, status model.CallStatus, response map[string]interface{}, errMsg string, completedAt time.Time) error
	// ResetCallForRetry moves a failed call back to pending
	ResetCallForRetry(ctx context.Context, id string) (*model.ExternalCheckCall, error)
	// ListStaleCalls returns pending calls created before the cutoff and failed calls with at most maxAttempts attempts
	ListStaleCalls(ctx context.Context, pendingBefore time.Time, maxAttempts int) ([]model.ExternalCheckCall, error)
}

// EndpointStore persists external API endpoints
type EndpointStore interface {
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]model.Endpoint, error)
	UpsertEndpoint(ctx context.Context, e model.Endpoint) (*model.Endpoint, error)
}

// LedgerStore persists conversation history
type LedgerStore interface {
	AppendLedger(ctx context.Context, entry model.LedgerEntry) error
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}

// WelcomeStore reads welcome messages
type WelcomeStore interface {
	ListActiveWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error)
	ListWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error)
	UpsertWelcomeMessage(ctx context.Context, m model.WelcomeMessage) (*model.WelcomeMessage, error)
}

// Store is the full persistence surface used by the engine and admin API
type Store interface {
	QuestionStore
	SessionStore
	CallStore
	EndpointStore
	LedgerStore
	WelcomeStore
}

// EventBus publishes dashboard events
type EventBus interface {
	PublishUser(userID string, event map[string]interface{}) error
	PublishCheck(callID string, event map[string]interface{}) error
	PublishAdmin(event map[string]interface{}) error
}

type nopBus struct{}

func (nopBus) PublishUser(string, map[string]interface{}) error  { return nil }
func (nopBus) PublishCheck(string, map[string]interface{}) error { return nil }
func (nopBus) PublishAdmin(map[string]interface{}) error         { return nil }
