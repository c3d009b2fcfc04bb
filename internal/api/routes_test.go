package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"surveybot/internal/channel"
	"surveybot/internal/memstore"
	"surveybot/internal/model"
	"surveybot/internal/pubsub"
	"surveybot/internal/schema"
	"surveybot/internal/service"
	"surveybot/internal/storage"
	"surveybot/internal/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const user = "972501234567@c.us"

type testAPI struct {
	handler   http.Handler
	store     *memstore.Store
	transport *channel.MemoryTransport
	bot       *channel.Supervisor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	bus := pubsub.New(nil, log)
	transport := channel.NewMemoryTransport()
	bot := channel.NewSupervisor(transport, bus, log)

	media, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	texts := service.DefaultTexts()
	locks := service.NewUserLocks()
	catalog := service.NewCatalog(store, 0)
	validator := service.NewValidator(media, storage.ImagePolicy(5), texts, log)
	sessions := service.NewSessionService(store, catalog, validator, texts, bus, log)
	invoker := service.NewInvoker(store, bot, locks, bus, texts, 0, log)
	checks := service.NewGoDispatcher(invoker)
	invoker.SetDispatcher(checks)
	sessions.SetCheckDispatcher(checks)
	t.Cleanup(checks.Wait)

	dispatcher := service.NewDispatcher(store, sessions, service.NewWelcomeSelector(store, texts, log),
		bot, locks, texts, service.DispatcherConfig{}, log)
	bot.SetHandler(dispatcher.OnMessage)

	handler := Routes(Dependencies{
		Store:    store,
		Catalog:  catalog,
		Sessions: sessions,
		Invoker:  invoker,
		Bot:      bot,
		Hub:      ws.NewHub(log),
		Schemas:  schema.NewCompilerWithCache(8),
		Bus:      bus,
		Log:      log,
	})
	return &testAPI{handler: handler, store: store, transport: transport, bot: bot}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode[map[string]interface{}](t, rec)["bot"])
}

func TestQuestions_UpsertAndList(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/v1/questions",
		`{"id":"city","text":"Which city?","order":1,"responseKind":"single_choice","choices":["Haifa","Eilat"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[model.Question](t, rec)
	assert.True(t, saved.Active)

	rec = a.do(t, http.MethodPost, "/v1/questions", `{"id":"bad","text":"Q","responseKind":"single_choice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_document", errResp.Code)
	assert.NotEmpty(t, errResp.Details)

	rec = a.do(t, http.MethodPost, "/v1/questions",
		`{"id":"verify","text":"Verify","responseKind":"external_check","externalCheck":{"endpointId":"nope","fieldMappings":[{"outputKey":"phone","source":"phone"}]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown endpoint")

	rec = a.do(t, http.MethodGet, "/v1/questions?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Question](t, rec), 1)

	rec = a.do(t, http.MethodPost, "/v1/questions/city/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, http.MethodGet, "/v1/questions?active=true", nil)
	assert.Empty(t, decode[[]model.Question](t, rec))
	rec = a.do(t, http.MethodGet, "/v1/questions", nil)
	assert.Len(t, decode[[]model.Question](t, rec), 1)

	rec = a.do(t, http.MethodPost, "/v1/questions/missing/deactivate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndpointsAndWelcome(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/v1/endpoints", `{"id":"e1","name":"crm","url":"https://crm.example.com/verify"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(t, http.MethodGet, "/v1/endpoints", nil)
	assert.Len(t, decode[[]model.Endpoint](t, rec), 1)

	rec = a.do(t, http.MethodPost, "/v1/welcome-messages",
		`{"text":"Good morning","conditions":[{"field":"time","operator":"between","value":"08:00","value2":"12:00"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[model.WelcomeMessage](t, rec).ID)

	rec = a.do(t, http.MethodPost, "/v1/welcome-messages",
		`{"text":"Broken","conditions":[{"field":"time","operator":"between","value":"soon","value2":"later"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/welcome-messages", nil)
	assert.Len(t, decode[[]model.WelcomeMessage](t, rec), 1)
}

func TestInbound_RunsSurvey(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.store.UpsertQuestion(context.Background(), model.Question{
		ID: "name", Text: "What is your name?", Active: true, IsRequired: true, ResponseKind: model.ResponseFreeText,
	})
	require.NoError(t, err)

	msg := channel.InboundMessage{MessageID: "m1", From: user, Body: "hi"}
	rec := a.do(t, http.MethodPost, "/v1/channel/inbound", msg)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "bot not started")

	rec = a.do(t, http.MethodPost, "/v1/bot/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.BotReady, decode[model.BotStatus](t, rec).State)

	rec = a.do(t, http.MethodPost, "/v1/channel/inbound", msg)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sent := a.transport.SentTo(user)
	require.NotEmpty(t, sent)
	assert.Equal(t, "What is your name?", sent[len(sent)-1])

	rec = a.do(t, http.MethodGet, "/v1/sessions?userId="+user, nil)
	sessions := decode[[]model.Session](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, "name", sessions[0].CurrentQuestionID)

	rec = a.do(t, http.MethodGet, "/v1/sessions/"+sessions[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, http.MethodGet, "/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/conversations/"+user, nil)
	entries := decode[[]model.LedgerEntry](t, rec)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.DirectionInbound, entries[0].Direction)

	rec = a.do(t, http.MethodPost, "/v1/channel/inbound", `{"body":"no sender"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/bot/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BotStopped, decode[model.BotStatus](t, rec).State)
}

func TestChecks(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/v1/checks?status=BROKEN", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/checks?status=FAILED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = a.do(t, http.MethodGet, "/v1/checks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/checks/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
