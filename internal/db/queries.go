package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surveybot/internal/model"
	"surveybot/internal/service"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Queries implements the engine's persistence interfaces on Postgres
type Queries struct {
	*pgxpool.Pool
}

var _ service.Store = (*Queries)(nil)

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return service.ErrNotFound
	}
	return err
}

// Question queries

const questionColumns = `id, text, sort_order, active, is_required, response_kind,
	choices, branch_conditions, external_check, created_at, updated_at`

func scanQuestion(row pgx.Row) (model.Question, error) {
	var q model.Question
	var kind string
	err := row.Scan(&q.ID, &q.Text, &q.Order, &q.Active, &q.IsRequired, &kind,
		&q.Choices, &q.BranchConditions, &q.ExternalCheck, &q.CreatedAt, &q.UpdatedAt)
	q.ResponseKind = model.ResponseKind(kind)
	return q, err
}

func (q *Queries) listQuestions(ctx context.Context, sql string) ([]model.Question, error) {
	rows, err := q.Pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		question, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, question)
	}
	return out, rows.Err()
}

func (q *Queries) ListActiveQuestions(ctx context.Context) ([]model.Question, error) {
	return q.listQuestions(ctx, "SELECT "+questionColumns+" FROM questions WHERE active ORDER BY sort_order, id")
}

func (q *Queries) ListQuestions(ctx context.Context) ([]model.Question, error) {
	return q.listQuestions(ctx, "SELECT "+questionColumns+" FROM questions ORDER BY sort_order, id")
}

func (q *Queries) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	question, err := scanQuestion(q.Pool.QueryRow(ctx,
		"SELECT "+questionColumns+" FROM questions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &question, nil
}

func (q *Queries) UpsertQuestion(ctx context.Context, in model.Question) (*model.Question, error) {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	if in.Choices == nil {
		in.Choices = []string{}
	}
	if in.BranchConditions == nil {
		in.BranchConditions = []model.Condition{}
	}
	question, err := scanQuestion(q.Pool.QueryRow(ctx,
		`INSERT INTO questions (id, text, sort_order, active, is_required, response_kind,
			choices, branch_conditions, external_check)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			sort_order = EXCLUDED.sort_order,
			active = EXCLUDED.active,
			is_required = EXCLUDED.is_required,
			response_kind = EXCLUDED.response_kind,
			choices = EXCLUDED.choices,
			branch_conditions = EXCLUDED.branch_conditions,
			external_check = EXCLUDED.external_check,
			updated_at = NOW()
		RETURNING `+questionColumns,
		in.ID, in.Text, in.Order, in.Active, in.IsRequired, string(in.ResponseKind),
		in.Choices, in.BranchConditions, in.ExternalCheck,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert question: %w", err)
	}
	return &question, nil
}

func (q *Queries) SetQuestionActive(ctx context.Context, id string, active bool) error {
	tag, err := q.Pool.Exec(ctx,
		"UPDATE questions SET active = $2, updated_at = NOW() WHERE id = $1", id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return service.ErrNotFound
	}
	return nil
}

// Session queries

const sessionColumns = `id, user_id, current_question_id, answers, is_completed,
	follow_ups, started_at, last_activity_at, completed_at`

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.UserID, &s.CurrentQuestionID, &s.Answers, &s.IsCompleted,
		&s.FollowUps, &s.StartedAt, &s.LastActivityAt, &s.CompletedAt)
	return s, err
}

func (q *Queries) querySessions(ctx context.Context, sql string, args ...interface{}) ([]model.Session, error) {
	rows, err := q.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *Queries) FindActiveSession(ctx context.Context, userID string) (*model.Session, error) {
	s, err := scanSession(q.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = $1 AND NOT is_completed", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *Queries) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(q.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// SaveSession upserts the session and inserts new calls in one transaction.
// Completed sessions are never updated.
func (q *Queries) SaveSession(ctx context.Context, s *model.Session, newCalls ...*model.ExternalCheckCall) error {
	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	answers := s.Answers
	if answers == nil {
		answers = []model.Answer{}
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO sessions (id, user_id, current_question_id, answers, is_completed,
			follow_ups, started_at, last_activity_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			current_question_id = EXCLUDED.current_question_id,
			answers = EXCLUDED.answers,
			is_completed = EXCLUDED.is_completed,
			follow_ups = EXCLUDED.follow_ups,
			last_activity_at = EXCLUDED.last_activity_at,
			completed_at = EXCLUDED.completed_at
		WHERE NOT sessions.is_completed`,
		s.ID, s.UserID, s.CurrentQuestionID, answers, s.IsCompleted,
		s.FollowUps, s.StartedAt, s.LastActivityAt, s.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("user %s already has an active session: %w", s.UserID, err)
		}
		return fmt.Errorf("failed to save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s is completed", s.ID)
	}

	for _, c := range newCalls {
		if _, err := tx.Exec(ctx,
			`INSERT INTO external_check_calls (id, user_id, session_id, question_id, endpoint_id,
				request_payload, status, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.UserID, c.SessionID, c.QuestionID, c.EndpointID,
			c.RequestPayload, string(c.Status), c.Attempts, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert call: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (q *Queries) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = $1", userID).Scan(&n)
	return n, err
}

func (q *Queries) ListSessions(ctx context.Context, userID string, limit, offset int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	if userID == "" {
		return q.querySessions(ctx,
			"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC LIMIT $1 OFFSET $2",
			limit, offset)
	}
	return q.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
}

func (q *Queries) ListIdleSessions(ctx context.Context, idleBefore time.Time, maxFollowUps int) ([]model.Session, error) {
	return q.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE NOT is_completed AND last_activity_at < $1 AND follow_ups < $2
		ORDER BY last_activity_at LIMIT 500`,
		idleBefore, maxFollowUps)
}

// External check call queries

const callColumns = `id, user_id, session_id, question_id, endpoint_id, request_payload,
	response_payload, status, error_message, attempts, created_at, completed_at`

func scanCall(row pgx.Row) (model.ExternalCheckCall, error) {
	var c model.ExternalCheckCall
	var status string
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.QuestionID, &c.EndpointID, &c.RequestPayload,
		&c.ResponsePayload, &status, &c.ErrorMessage, &c.Attempts, &c.CreatedAt, &c.CompletedAt)
	c.Status = model.CallStatus(status)
	return c, err
}

func (q *Queries) queryCalls(ctx context.Context, sql string, args ...interface{}) ([]model.ExternalCheckCall, error) {
	rows, err := q.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ExternalCheckCall{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) GetCall(ctx context.Context, id string) (*model.ExternalCheckCall, error) {
	c, err := scanCall(q.Pool.QueryRow(ctx,
		"SELECT "+callColumns+" FROM external_check_calls WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (q *Queries) ListCalls(ctx context.Context, status *model.CallStatus, limit, offset int) ([]model.ExternalCheckCall, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == nil {
		return q.queryCalls(ctx,
			"SELECT "+callColumns+" FROM external_check_calls ORDER BY created_at DESC LIMIT $1 OFFSET $2",
			limit, offset)
	}
	return q.queryCalls(ctx,
		"SELECT "+callColumns+" FROM external_check_calls WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		string(*status), limit, offset)
}

// MarkCallResult is a conditional update so a call leaves PENDING exactly once
func (q *Queries) MarkCallResult(ctx context.Context, id string, status model.CallStatus, response map[string]interface{}, errMsg string, completedAt time.Time) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE external_check_calls
		SET status = $2, response_payload = $3, error_message = $4,
			attempts = attempts + 1, completed_at = $5
		WHERE id = $1 AND status = 'PENDING'`,
		id, string(status), response, errMsg, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark call result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetCall(ctx, id); errors.Is(err, service.ErrNotFound) {
			return service.ErrCallNotFound
		}
		return service.ErrCallStateChanged
	}
	return nil
}

// ResetCallForRetry moves FAILED to PENDING and reports why other states are rejected
func (q *Queries) ResetCallForRetry(ctx context.Context, id string) (*model.ExternalCheckCall, error) {
	c, err := scanCall(q.Pool.QueryRow(ctx,
		`UPDATE external_check_calls
		SET status = 'PENDING', error_message = '', completed_at = NULL
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+callColumns, id))
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to reset call: %w", err)
	}

	current, err := q.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, service.ErrCallNotFound
		}
		return nil, err
	}
	if current.Status == model.CallPending {
		return nil, service.ErrCallInFlight
	}
	return nil, service.ErrCallNotRetryable
}

func (q *Queries) ListStaleCalls(ctx context.Context, pendingBefore time.Time, maxAttempts int) ([]model.ExternalCheckCall, error) {
	return q.queryCalls(ctx,
		`SELECT `+callColumns+` FROM external_check_calls
		WHERE (status = 'PENDING' AND created_at < $1)
			OR (status = 'FAILED' AND attempts <= $2)
		ORDER BY created_at LIMIT 500`,
		pendingBefore, maxAttempts)
}

// Endpoint queries

func scanEndpoint(row pgx.Row) (model.Endpoint, error) {
	var e model.Endpoint
	err := row.Scan(&e.ID, &e.Name, &e.URL, &e.Description, &e.Active, &e.CreatedAt)
	return e, err
}

func (q *Queries) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	e, err := scanEndpoint(q.Pool.QueryRow(ctx,
		"SELECT id, name, url, description, active, created_at FROM endpoints WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (q *Queries) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT id, name, url, description, active, created_at FROM endpoints ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertEndpoint(ctx context.Context, in model.Endpoint) (*model.Endpoint, error) {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	e, err := scanEndpoint(q.Pool.QueryRow(ctx,
		`INSERT INTO endpoints (id, name, url, description, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url,
			description = EXCLUDED.description, active = EXCLUDED.active
		RETURNING id, name, url, description, active, created_at`,
		in.ID, in.Name, in.URL, in.Description, in.Active,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert endpoint: %w", err)
	}
	return &e, nil
}

// Ledger queries

func (q *Queries) AppendLedger(ctx context.Context, entry model.LedgerEntry) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO conversation_ledger (user_id, direction, text, media_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.UserID, string(entry.Direction), entry.Text, entry.MediaRef, entry.Timestamp,
	)
	return err
}

// ListLedger returns the most recent entries for a user in chronological order
func (q *Queries) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT user_id, direction, text, media_ref, created_at FROM (
			SELECT id, user_id, direction, text, media_ref, created_at
			FROM conversation_ledger WHERE user_id = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var direction string
		if err := rows.Scan(&e.UserID, &direction, &e.Text, &e.MediaRef, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Direction = model.Direction(direction)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Welcome message queries

func (q *Queries) queryWelcome(ctx context.Context, sql string) ([]model.WelcomeMessage, error) {
	rows, err := q.Pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.WelcomeMessage{}
	for rows.Next() {
		var m model.WelcomeMessage
		if err := rows.Scan(&m.ID, &m.Text, &m.Active, &m.Conditions, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) ListActiveWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error) {
	return q.queryWelcome(ctx,
		"SELECT id, text, active, conditions, created_at FROM welcome_messages WHERE active ORDER BY created_at, id")
}

func (q *Queries) ListWelcomeMessages(ctx context.Context) ([]model.WelcomeMessage, error) {
	return q.queryWelcome(ctx,
		"SELECT id, text, active, conditions, created_at FROM welcome_messages ORDER BY created_at, id")
}

func (q *Queries) UpsertWelcomeMessage(ctx context.Context, in model.WelcomeMessage) (*model.WelcomeMessage, error) {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	if in.Conditions == nil {
		in.Conditions = []model.WelcomeCondition{}
	}
	var m model.WelcomeMessage
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO welcome_messages (id, text, active, conditions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text, active = EXCLUDED.active, conditions = EXCLUDED.conditions
		RETURNING id, text, active, conditions, created_at`,
		in.ID, in.Text, in.Active, in.Conditions,
	).Scan(&m.ID, &m.Text, &m.Active, &m.Conditions, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert welcome message: %w", err)
	}
	return &m, nil
}
