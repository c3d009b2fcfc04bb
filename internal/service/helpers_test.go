package service_test

import (
	"context"
	"sync"
	"testing"

	"surveybot/internal/channel"
	"surveybot/internal/memstore"
	"surveybot/internal/model"
	"surveybot/internal/service"
	"surveybot/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockEventBus implements EventBus for testing
type MockEventBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (m *MockEventBus) PublishUser(userID string, event map[string]interface{}) error {
	return m.add(event)
}

func (m *MockEventBus) PublishCheck(callID string, event map[string]interface{}) error {
	return m.add(event)
}

func (m *MockEventBus) PublishAdmin(event map[string]interface{}) error {
	return m.add(event)
}

func (m *MockEventBus) add(event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e["type"].(string))
	}
	return out
}

// recordingDispatcher captures dispatched call ids without invoking them
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, callID)
	return nil
}

func (d *recordingDispatcher) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type harness struct {
	store      *memstore.Store
	transport  *channel.MemoryTransport
	bus        *MockEventBus
	texts      service.Texts
	locks      *service.UserLocks
	catalog    *service.Catalog
	sessions   *service.SessionService
	invoker    *service.Invoker
	checks     *recordingDispatcher
	dispatcher *service.Dispatcher
	media      *storage.LocalStorage
}

func newHarness(t *testing.T, questions ...model.Question) *harness {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	store := memstore.New()
	for _, q := range questions {
		require.NoError(t, q.Validate())
		_, err := store.UpsertQuestion(ctx, q)
		require.NoError(t, err)
	}

	transport := channel.NewMemoryTransport()
	require.NoError(t, transport.Start(ctx, channel.Events{}))

	media, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:     store,
		transport: transport,
		bus:       &MockEventBus{},
		texts:     service.DefaultTexts(),
		locks:     service.NewUserLocks(),
		checks:    &recordingDispatcher{},
		media:     media,
	}
	h.catalog = service.NewCatalog(store, 0)
	validator := service.NewValidator(media, storage.ImagePolicy(5), h.texts, log)
	h.sessions = service.NewSessionService(store, h.catalog, validator, h.texts, h.bus, log)
	h.invoker = service.NewInvoker(store, transport, h.locks, h.bus, h.texts, 0, log)
	h.invoker.SetDispatcher(h.checks)
	h.sessions.SetCheckDispatcher(h.checks)
	welcome := service.NewWelcomeSelector(store, h.texts, log)
	h.dispatcher = service.NewDispatcher(store, h.sessions, welcome, transport, h.locks, h.texts,
		service.DispatcherConfig{AllowMultipleAttempts: true}, log)
	return h
}

// send delivers a text message from user through the dispatcher and returns what was sent back
func (h *harness) send(t *testing.T, user, text string) []string {
	t.Helper()
	before := len(h.transport.SentTo(user))
	require.NoError(t, h.dispatcher.OnMessage(context.Background(), channel.InboundMessage{
		MessageID: user + ":" + text,
		From:      user,
		Body:      text,
	}))
	return h.transport.SentTo(user)[before:]
}

func (h *harness) activeSession(t *testing.T, user string) *model.Session {
	t.Helper()
	s, err := h.store.FindActiveSession(context.Background(), user)
	require.NoError(t, err)
	return s
}

func freeText(id string, order int, text string) model.Question {
	return model.Question{ID: id, Order: order, Text: text, Active: true, IsRequired: true, ResponseKind: model.ResponseFreeText}
}

func singleChoice(id string, order int, text string, choices ...string) model.Question {
	return model.Question{ID: id, Order: order, Text: text, Active: true, IsRequired: true, ResponseKind: model.ResponseSingleChoice, Choices: choices}
}

func when(q model.Question, conds ...model.Condition) model.Question {
	q.BranchConditions = conds
	return q
}

func externalCheck(id string, order int, endpointID string) model.Question {
	return model.Question{
		ID: id, Order: order, Text: "Verify identity", Active: true, IsRequired: true,
		ResponseKind: model.ResponseExternalCheck,
		ExternalCheck: &model.ExternalCheckSpec{
			EndpointID:         endpointID,
			ConfirmationPrompt: "Run the identity check?",
			ProcessingMessage:  "Checking, we'll get back to you.",
			DeclineMessage:     "OK, skipping the check.",
			FieldMappings: []model.FieldMapping{
				{OutputKey: "name", Source: model.SourceQuestionAnswer, SourceValue: "name"},
				{OutputKey: "phone", Source: model.SourcePhoneNumber},
				{OutputKey: "source", Source: model.SourceStaticValue, SourceValue: "bot"},
			},
		},
	}
}

func zapNop() *zap.Logger { return zap.NewNop() }
