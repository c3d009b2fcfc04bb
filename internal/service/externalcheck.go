package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"surveybot/internal/channel"
	"surveybot/internal/model"

	"go.uber.org/zap"
)

// DefaultCheckTimeout bounds one external check HTTP call
const DefaultCheckTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// transportSuffixes are stripped from user ids when sending phone numbers
var transportSuffixes = []string{"@c.us", "@s.whatsapp.net"}

// PhoneNumber strips the transport suffix from a user id
func PhoneNumber(userID string) string {
	for _, s := range transportSuffixes {
		if strings.HasSuffix(userID, s) {
			return strings.TrimSuffix(userID, s)
		}
	}
	return userID
}

// BuildPayload resolves field mappings against the session
func BuildPayload(spec model.ExternalCheckSpec, session *model.Session) map[string]interface{} {
	payload := make(map[string]interface{}, len(spec.FieldMappings))
	for _, m := range spec.FieldMappings {
		switch m.Source {
		case model.SourceQuestionAnswer:
			value := ""
			if a, ok := session.AnswerFor(m.SourceValue); ok {
				value = a.NormalizedAnswer
			}
			payload[m.OutputKey] = value
		case model.SourceStaticValue:
			payload[m.OutputKey] = m.SourceValue
		case model.SourcePhoneNumber:
			payload[m.OutputKey] = PhoneNumber(session.UserID)
		}
	}
	return payload
}

// Invoker executes external check calls
type Invoker struct {
	store      Store
	sender     channel.Sender
	locks      *UserLocks
	bus        EventBus
	texts      Texts
	client     *http.Client
	timeout    time.Duration
	dispatcher CheckDispatcher
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewInvoker(store Store, sender channel.Sender, locks *UserLocks, bus EventBus, texts Texts, timeout time.Duration, log *zap.Logger) *Invoker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if bus == nil {
		bus = nopBus{}
	}
	inv := &Invoker{
		store:    store,
		sender:   sender,
		locks:    locks,
		bus:      bus,
		texts:    texts,
		client:   &http.Client{},
		timeout:  timeout,
		log:      log,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	inv.dispatcher = &GoDispatcher{invoker: inv}
	return inv
}

// SetDispatcher replaces the default goroutine dispatcher
func (i *Invoker) SetDispatcher(d CheckDispatcher) {
	i.dispatcher = d
}

// Dispatcher returns the dispatcher used for new and retried calls
func (i *Invoker) Dispatcher() CheckDispatcher {
	return i.dispatcher
}

// Timeout returns the per-call HTTP timeout
func (i *Invoker) Timeout() time.Duration {
	return i.timeout
}

func (i *Invoker) begin(callID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.inFlight[callID]; ok {
		return false
	}
	i.inFlight[callID] = struct{}{}
	return true
}

func (i *Invoker) end(callID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inFlight, callID)
}

// InFlight reports whether the call is executing in this process
func (i *Invoker) InFlight(callID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.inFlight[callID]
	return ok
}

// Invoke executes a pending call and records its terminal status
func (i *Invoker) Invoke(ctx context.Context, callID string) error {
	if !i.begin(callID) {
		i.log.Debug("External check already in flight", zap.String("callId", callID))
		return nil
	}
	defer i.end(callID)

	call, err := i.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCallNotFound
		}
		return fmt.Errorf("failed to load call: %w", err)
	}
	if call.Status != model.CallPending {
		return nil
	}

	status, response, errMsg := i.execute(ctx, call)

	if err := i.store.MarkCallResult(ctx, call.ID, status, response, errMsg, i.now()); err != nil {
		if errors.Is(err, ErrCallStateChanged) {
			return nil
		}
		return fmt.Errorf("failed to record call result: %w", err)
	}

	i.log.Info("External check finished",
		zap.String("callId", call.ID),
		zap.String("userId", call.UserID),
		zap.String("status", string(status)),
		zap.String("error", errMsg),
	)
	event := map[string]interface{}{
		"type":   "check.updated",
		"callId": call.ID,
		"userId": call.UserID,
		"status": string(status),
	}
	_ = i.bus.PublishCheck(call.ID, event)
	_ = i.bus.PublishAdmin(event)

	if status == model.CallFailed {
		i.notifyFailure(ctx, call.UserID)
	}
	return nil
}

func (i *Invoker) execute(ctx context.Context, call *model.ExternalCheckCall) (model.CallStatus, map[string]interface{}, string) {
	endpoint, err := i.store.GetEndpoint(ctx, call.EndpointID)
	if err != nil {
		return model.CallFailed, nil, fmt.Sprintf("endpoint %s unavailable: %v", call.EndpointID, err)
	}
	if !endpoint.Active {
		return model.CallFailed, nil, fmt.Sprintf("endpoint %s is inactive", endpoint.ID)
	}

	body, err := json.Marshal(call.RequestPayload)
	if err != nil {
		return model.CallFailed, nil, fmt.Sprintf("failed to encode request: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return model.CallFailed, nil, fmt.Sprintf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return model.CallFailed, nil, fmt.Sprintf("request timed out after %s", i.timeout)
		}
		return model.CallFailed, nil, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	response := decodeResponse(raw)
	if err != nil {
		return model.CallFailed, response, fmt.Sprintf("failed to read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.CallFailed, response, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return model.CallSuccess, response, ""
}

func decodeResponse(raw []byte) map[string]interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]interface{}{"data": v}
	}
	return map[string]interface{}{"raw": string(raw)}
}

func (i *Invoker) notifyFailure(ctx context.Context, userID string) {
	if i.sender == nil || i.texts.CheckFailed == "" {
		return
	}
	unlock := i.locks.Lock(userID)
	defer unlock()

	if err := i.sender.Send(ctx, userID, i.texts.CheckFailed); err != nil {
		i.log.Warn("Failed to send check failure notice",
			zap.String("userId", userID),
			zap.Error(err),
		)
		return
	}
	_ = i.store.AppendLedger(ctx, model.LedgerEntry{
		UserID:    userID,
		Direction: model.DirectionOutbound,
		Text:      i.texts.CheckFailed,
		Timestamp: i.now(),
	})
}

// Retry moves a failed call back to pending and dispatches it again
func (i *Invoker) Retry(ctx context.Context, callID string) (*model.ExternalCheckCall, error) {
	if i.InFlight(callID) {
		return nil, ErrCallInFlight
	}
	call, err := i.store.ResetCallForRetry(ctx, callID)
	if err != nil {
		return nil, err
	}

	i.log.Info("Retrying external check",
		zap.String("callId", call.ID),
		zap.Int("attempts", call.Attempts),
	)
	_ = i.bus.PublishCheck(call.ID, map[string]interface{}{
		"type":   "check.retried",
		"callId": call.ID,
		"status": string(call.Status),
	})

	if err := i.dispatcher.Dispatch(ctx, call.ID); err != nil {
		return call, fmt.Errorf("failed to dispatch retry: %w", err)
	}
	return call, nil
}

// GoDispatcher runs each invocation on its own goroutine
type GoDispatcher struct {
	invoker *Invoker
	wg      sync.WaitGroup
}

func NewGoDispatcher(invoker *Invoker) *GoDispatcher {
	return &GoDispatcher{invoker: invoker}
}

func (d *GoDispatcher) Dispatch(ctx context.Context, callID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.invoker.Invoke(context.WithoutCancel(ctx), callID); err != nil {
			d.invoker.log.Error("External check invocation failed",
				zap.String("callId", callID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every dispatched invocation has returned
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}
