package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"surveybot/internal/channel"
	"surveybot/internal/memstore"
	"surveybot/internal/model"
	"surveybot/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *memstore.Store
	handlers *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	transport := channel.NewMemoryTransport()
	require.NoError(t, transport.Start(context.Background(), channel.Events{}))

	locks := service.NewUserLocks()
	texts := service.DefaultTexts()
	invoker := service.NewInvoker(store, transport, locks, nil, texts, time.Second, log)
	catalog := service.NewCatalog(store, 0)
	sweeper := service.NewSweeper(store, invoker, catalog, transport, locks, texts,
		service.SweepConfig{AutoRetryMax: 1, FollowUpAfter: time.Hour, FollowUpMax: 1}, log)
	return &fixture{store: store, handlers: NewHandlers(invoker, sweeper, log)}
}

func (f *fixture) pendingCall(t *testing.T, endpointURL string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", Name: "verify", URL: endpointURL, Active: true})
	require.NoError(t, err)

	now := time.Now()
	session := &model.Session{ID: "s1", UserID: "972501112222@c.us", CurrentQuestionID: "verify", StartedAt: now, LastActivityAt: now}
	call := &model.ExternalCheckCall{
		ID:             "c1",
		UserID:         session.UserID,
		SessionID:      session.ID,
		QuestionID:     "verify",
		EndpointID:     "e1",
		RequestPayload: map[string]interface{}{"phone": "972501112222"},
		Status:         model.CallPending,
		CreatedAt:      now,
	}
	require.NoError(t, f.store.SaveSession(ctx, session, call))
	return call.ID
}

func TestHandleCheckInvoke_RecordsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newFixture(t)
	id := f.pendingCall(t, srv.URL)

	require.NoError(t, f.handlers.handleCheckInvoke(context.Background(), NewCheckTask(id)))

	call, err := f.store.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, call.Status)
}

func TestHandleCheckInvoke_UnknownCallIsDropped(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.handlers.handleCheckInvoke(context.Background(), NewCheckTask("missing")))
}

func TestHandleCheckInvoke_EmptyPayloadSkipsRetry(t *testing.T) {
	f := newFixture(t)
	err := f.handlers.handleCheckInvoke(context.Background(), asynq.NewTask(TypeCheckInvoke, nil))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweeps_EmptyStore(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.handlers.handleSweepChecks(context.Background(), asynq.NewTask(TypeSweepChecks, nil)))
	assert.NoError(t, f.handlers.handleSweepFollowUps(context.Background(), asynq.NewTask(TypeSweepFollowUps, nil)))
}

func TestNewCheckTask(t *testing.T) {
	task := NewCheckTask("01HX")
	assert.Equal(t, TypeCheckInvoke, task.Type())
	assert.Equal(t, []byte("01HX"), task.Payload())
	assert.Len(t, CheckTaskOptions("01HX", 0), 4)
}

func newQueue(t *testing.T) (*asynq.Client, *asynq.Inspector) {
	t.Helper()
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}
	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = inspector.Close()
		_ = client.Close()
	})
	return client, inspector
}

func TestAsynqCheckDispatcher_PendingTaskIsDeduplicated(t *testing.T) {
	client, inspector := newQueue(t)
	d := NewAsynqCheckDispatcher(client, inspector, time.Second)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "c1"))
	require.NoError(t, d.Dispatch(ctx, "c1"))

	pending, err := inspector.ListPendingTasks(checkQueue)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "check:c1", pending[0].ID)
	assert.Equal(t, []byte("c1"), pending[0].Payload)
}

func TestAsynqCheckDispatcher_ArchivedTaskIsRequeued(t *testing.T) {
	client, inspector := newQueue(t)
	d := NewAsynqCheckDispatcher(client, inspector, time.Second)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "c1"))
	require.NoError(t, inspector.ArchiveTask(checkQueue, "check:c1"))

	info, err := inspector.GetTaskInfo(checkQueue, "check:c1")
	require.NoError(t, err)
	require.Equal(t, asynq.TaskStateArchived, info.State)

	require.NoError(t, d.Dispatch(ctx, "c1"))

	info, err = inspector.GetTaskInfo(checkQueue, "check:c1")
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State, "call must be runnable again")

	archived, err := inspector.ListArchivedTasks(checkQueue)
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestAsynqCheckDispatcher_DistinctCallsQueueSeparately(t *testing.T) {
	client, inspector := newQueue(t)
	d := NewAsynqCheckDispatcher(client, inspector, time.Second)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "c1"))
	require.NoError(t, d.Dispatch(ctx, "c2"))

	pending, err := inspector.ListPendingTasks(checkQueue)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
