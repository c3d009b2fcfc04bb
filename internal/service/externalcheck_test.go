package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"surveybot/internal/model"
	"surveybot/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmCheck(t *testing.T, h *harness, user string) *model.ExternalCheckCall {
	t.Helper()
	ctx := context.Background()
	session, _, err := h.sessions.Start(ctx, user)
	require.NoError(t, err)
	out, err := h.sessions.Advance(ctx, session, service.Input{Text: "Dana"})
	require.NoError(t, err)
	out, err = h.sessions.Advance(ctx, out.Session, service.Input{Text: "yes"})
	require.NoError(t, err)
	require.Len(t, out.Calls, 1)
	return out.Calls[0]
}

func checkSurvey() []model.Question {
	return []model.Question{
		freeText("name", 0, "Name?"),
		externalCheck("verify", 1, "e1"),
		freeText("email", 2, "Email?"),
	}
}

func TestInvoker_Success(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verified":true}`))
	}))
	defer srv.Close()

	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", Name: "idcheck", URL: srv.URL, Active: true})
	require.NoError(t, err)

	call := confirmCheck(t, h, "972501234567@c.us")
	h.transport.Reset()

	require.NoError(t, h.invoker.Invoke(ctx, call.ID))

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, stored.Status)
	assert.Equal(t, map[string]interface{}{"verified": true}, stored.ResponsePayload)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, stored.Attempts)
	got := <-bodies
	assert.Equal(t, "972501234567", got["phone"])
	assert.Empty(t, h.transport.Sent(), "nothing is sent on success")
	assert.Contains(t, h.bus.Types(), "check.updated")

	// invoking a finished call is a no-op
	require.NoError(t, h.invoker.Invoke(ctx, call.ID))
	stored, err = h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestInvoker_FailureRecordsPartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", URL: srv.URL, Active: true})
	require.NoError(t, err)

	call := confirmCheck(t, h, "u1")
	h.transport.Reset()
	require.NoError(t, h.invoker.Invoke(ctx, call.ID))

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "502")
	assert.Equal(t, "upstream down", stored.ResponsePayload["error"])
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, []string{h.texts.CheckFailed}, h.transport.SentTo("u1"))
}

func TestInvoker_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", URL: srv.URL, Active: true})
	require.NoError(t, err)

	inv := service.NewInvoker(h.store, h.transport, h.locks, h.bus, h.texts, 50*time.Millisecond, zapNop())
	call := confirmCheck(t, h, "u1")
	require.NoError(t, inv.Invoke(ctx, call.ID))

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "timed out")
}

func TestInvoker_InactiveEndpoint(t *testing.T) {
	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", URL: "http://127.0.0.1:1", Active: false})
	require.NoError(t, err)

	call := confirmCheck(t, h, "u1")
	require.NoError(t, h.invoker.Invoke(ctx, call.ID))

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "inactive")
}

func TestInvoker_Retry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", URL: srv.URL, Active: true})
	require.NoError(t, err)

	call := confirmCheck(t, h, "u1")
	require.NoError(t, h.invoker.Invoke(ctx, call.ID))

	retried, err := h.invoker.Retry(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, retried.Status)
	assert.Nil(t, retried.CompletedAt)
	assert.Equal(t, []string{call.ID, call.ID}, h.checks.IDs(), "retry re-dispatches")

	_, err = h.invoker.Retry(ctx, call.ID)
	assert.ErrorIs(t, err, service.ErrCallInFlight)

	fail.Store(false)
	require.NoError(t, h.invoker.Invoke(ctx, call.ID))
	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, call.RequestPayload, stored.RequestPayload, "retry reuses the stored payload")

	_, err = h.invoker.Retry(ctx, call.ID)
	assert.ErrorIs(t, err, service.ErrCallNotRetryable)

	_, err = h.invoker.Retry(ctx, "missing")
	assert.ErrorIs(t, err, service.ErrCallNotFound)
}

func TestBuildPayload(t *testing.T) {
	spec := model.ExternalCheckSpec{FieldMappings: []model.FieldMapping{
		{OutputKey: "id", Source: model.SourceQuestionAnswer, SourceValue: "id_number"},
		{OutputKey: "missing", Source: model.SourceQuestionAnswer, SourceValue: "nope"},
		{OutputKey: "phone", Source: model.SourcePhoneNumber},
		{OutputKey: "kind", Source: model.SourceStaticValue, SourceValue: "loan"},
	}}
	session := &model.Session{
		UserID:  "972501234567@c.us",
		Answers: []model.Answer{{QuestionID: "id_number", RawAnswer: " 123 ", NormalizedAnswer: "123"}},
	}

	assert.Equal(t, map[string]interface{}{
		"id":      "123",
		"missing": "",
		"phone":   "972501234567",
		"kind":    "loan",
	}, service.BuildPayload(spec, session))
}

func TestPhoneNumber(t *testing.T) {
	assert.Equal(t, "972501234567", service.PhoneNumber("972501234567@c.us"))
	assert.Equal(t, "972501234567", service.PhoneNumber("972501234567@s.whatsapp.net"))
	assert.Equal(t, "972501234567", service.PhoneNumber("972501234567"))
}

func TestGoDispatcher_RunsInvocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newHarness(t, checkSurvey()...)
	ctx := context.Background()
	_, err := h.store.UpsertEndpoint(ctx, model.Endpoint{ID: "e1", URL: srv.URL, Active: true})
	require.NoError(t, err)

	call := confirmCheck(t, h, "u1")
	d := service.NewGoDispatcher(h.invoker)
	require.NoError(t, d.Dispatch(ctx, call.ID))
	d.Wait()

	stored, err := h.store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, stored.Status)
}
