package channel

import (
	"context"
	"errors"
	"sync"
)

// SentMessage is a message recorded by MemoryTransport
type SentMessage struct {
	To   string
	Text string
}

// MemoryTransport is an in-process transport used for local runs and tests.
// Inbound messages arrive through Inject or the webhook endpoint.
type MemoryTransport struct {
	mu      sync.Mutex
	events  Events
	sent    []SentMessage
	media   map[string]*Media
	sendErr error
	running bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{media: make(map[string]*Media)}
}

func (m *MemoryTransport) Start(ctx context.Context, events Events) error {
	m.mu.Lock()
	m.events = events
	m.running = true
	m.mu.Unlock()
	if events.OnReady != nil {
		events.OnReady()
	}
	return nil
}

func (m *MemoryTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *MemoryTransport) Send(ctx context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	if !m.running {
		return ErrNotReady
	}
	m.sent = append(m.sent, SentMessage{To: to, Text: text})
	return nil
}

func (m *MemoryTransport) DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error) {
	m.mu.Lock()
	media, ok := m.media[msg.MessageID]
	m.mu.Unlock()
	if ok {
		return media, nil
	}
	if len(msg.MediaData) > 0 {
		return &Media{MimeType: msg.MimeType, Data: msg.MediaData}, nil
	}
	return nil, ErrNoMedia
}

// AddMedia registers media returned for a message id
func (m *MemoryTransport) AddMedia(messageID string, media *Media) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[messageID] = media
}

// FailSends makes every Send return err until called with nil
func (m *MemoryTransport) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Inject delivers an inbound message as if the network sent it
func (m *MemoryTransport) Inject(msg InboundMessage) error {
	m.mu.Lock()
	ev := m.events
	m.mu.Unlock()
	if ev.OnMessage == nil {
		return errors.New("transport not started")
	}
	ev.OnMessage(msg)
	return nil
}

// Disconnect simulates a network disconnect
func (m *MemoryTransport) Disconnect(reason string) {
	m.mu.Lock()
	m.running = false
	ev := m.events
	m.mu.Unlock()
	if ev.OnDisconnected != nil {
		ev.OnDisconnected(reason)
	}
}

// Sent returns a copy of every recorded outbound message
func (m *MemoryTransport) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the texts sent to one user
func (m *MemoryTransport) SentTo(to string) []string {
	var out []string
	for _, s := range m.Sent() {
		if s.To == to {
			out = append(out, s.Text)
		}
	}
	return out
}

// Reset clears recorded messages
func (m *MemoryTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
