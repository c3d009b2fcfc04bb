// Package memstore is an in-memory implementation of the engine's persistence interfaces.
// It backs tests and the single-process development mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"surveybot/internal/model"
	"surveybot/internal/service"

	"github.com/oklog/ulid/v2"
)

type Store struct {
	mu        sync.Mutex
	questions map[string]model.Question
	endpoints map[string]model.Endpoint
	sessions  map[string]*model.Session
	calls     map[string]*model.ExternalCheckCall
	ledger    []model.LedgerEntry
	welcome   map[string]model.WelcomeMessage
	now       func() time.Time
}

var _ service.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		questions: make(map[string]model.Question),
		endpoints: make(map[string]model.Endpoint),
		sessions:  make(map[string]*model.Session),
		calls:     make(map[string]*model.ExternalCheckCall),
		welcome:   make(map[string]model.WelcomeMessage),
		now:       time.Now,
	}
}

func (s *Store) ListActiveQuestions(ctx context.Context) ([]model.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Question, 0, len(s.questions))
	for _, q := range s.questions {
		if q.Active {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out, nil
}

func (s *Store) ListQuestions(ctx context.Context) ([]model.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out, nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return &q, nil
}

func (s *Store) UpsertQuestion(ctx context.Context, q model.Question) (*model.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if q.ID == "" {
		q.ID = ulid.Make().String()
	}
	if existing, ok := s.questions[q.ID]; ok {
		q.CreatedAt = existing.CreatedAt
	} else {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	s.questions[q.ID] = q
	return &q, nil
}

func (s *Store) SetQuestionActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return service.ErrNotFound
	}
	q.Active = active
	q.UpdatedAt = s.now()
	s.questions[id] = q
	return nil
}

func (s *Store) FindActiveSession(ctx context.Context, userID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.IsCompleted {
			return sess.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return sess.Clone(), nil
}

// SaveSession enforces one active session per user and immutable completed sessions
func (s *Store) SaveSession(ctx context.Context, sess *model.Session, newCalls ...*model.ExternalCheckCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.ID]; ok && existing.IsCompleted {
		return fmt.Errorf("session %s is completed", sess.ID)
	}
	if !sess.IsCompleted {
		for id, other := range s.sessions {
			if id != sess.ID && other.UserID == sess.UserID && !other.IsCompleted {
				return fmt.Errorf("user %s already has active session %s", sess.UserID, id)
			}
		}
	}
	for _, c := range newCalls {
		if _, ok := s.calls[c.ID]; ok {
			return fmt.Errorf("call %s already exists", c.ID)
		}
	}

	s.sessions[sess.ID] = sess.Clone()
	for _, c := range newCalls {
		cp := copyCall(c)
		s.calls[c.ID] = &cp
	}
	return nil
}

func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if userID == "" || sess.UserID == userID {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

func (s *Store) ListIdleSessions(ctx context.Context, idleBefore time.Time, maxFollowUps int) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if !sess.IsCompleted && sess.LastActivityAt.Before(idleBefore) && sess.FollowUps < maxFollowUps {
			out = append(out, *sess.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*model.ExternalCheckCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	cp := copyCall(c)
	return &cp, nil
}

func (s *Store) ListCalls(ctx context.Context, status *model.CallStatus, limit, offset int) ([]model.ExternalCheckCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExternalCheckCall, 0, len(s.calls))
	for _, c := range s.calls {
		if status == nil || c.Status == *status {
			out = append(out, copyCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (s *Store) MarkCallResult(ctx context.Context, id string, status model.CallStatus, response map[string]interface{}, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return service.ErrCallNotFound
	}
	if c.Status != model.CallPending {
		return service.ErrCallStateChanged
	}
	c.Status = status
	c.ResponsePayload = response
	c.ErrorMessage = errMsg
	c.Attempts++
	c.CompletedAt = &completedAt
	return nil
}

func (s *Store) ResetCallForRetry(ctx context.Context, id string) (*model.ExternalCheckCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, service.ErrCallNotFound
	}
	switch c.Status {
	case model.CallPending:
		return nil, service.ErrCallInFlight
	case model.CallSuccess:
		return nil, service.ErrCallNotRetryable
	}
	c.Status = model.CallPending
	c.ErrorMessage = ""
	c.CompletedAt = nil
	cp := copyCall(c)
	return &cp, nil
}

func (s *Store) ListStaleCalls(ctx context.Context, pendingBefore time.Time, maxAttempts int) ([]model.ExternalCheckCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExternalCheckCall
	for _, c := range s.calls {
		switch {
		case c.Status == model.CallPending && c.CreatedAt.Before(pendingBefore):
			out = append(out, copyCall(c))
		case c.Status == model.CallFailed && c.Attempts <= maxAttempts:
			out = append(out, copyCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return &e, nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertEndpoint(ctx context.Context, e model.Endpoint) (*model.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if existing, ok := s.endpoints[e.ID]; ok {
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = s.now()
	}
	s.endpoints[e.ID] = e
	return &e, nil
}

func (s *Store) AppendLedger(ctx context.Context, entry model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, entry)
	return nil
}

// ListLedger returns the most recent entries for a user in chronological order
func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListActiveWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error) {
	all, _ := s.ListWelcomeMessages(ctx)
	out := all[:0]
	for _, m := range all {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WelcomeMessage, 0, len(s.welcome))
	for _, m := range s.welcome {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertWelcomeMessage(ctx context.Context, m model.WelcomeMessage) (*model.WelcomeMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if existing, ok := s.welcome[m.ID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.welcome[m.ID] = m
	return &m, nil
}

func copyCall(c *model.ExternalCheckCall) model.ExternalCheckCall {
	cp := *c
	cp.RequestPayload = copyMap(c.RequestPayload)
	cp.ResponsePayload = copyMap(c.ResponsePayload)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
