package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotReady is returned when sending while the transport is not connected
	ErrNotReady = errors.New("channel is not ready")
	// ErrNoMedia is returned when a message carries no downloadable media
	ErrNoMedia = errors.New("message has no media")
)

// maxMediaBytes caps media downloads
const maxMediaBytes = 16 << 20

// InboundMessage is one user message received from the transport
type InboundMessage struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	HasMedia  bool      `json:"hasMedia"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaData []byte    `json:"mediaData,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	settle func(error)
}

// Settle reports the processing result to the transport that produced the message.
// Transports with redelivery acknowledge on nil and requeue on error. Only the first call counts.
func (m InboundMessage) Settle(err error) {
	if m.settle != nil {
		m.settle(err)
	}
}

// WithSettle returns a copy of m that calls fn once when settled
func (m InboundMessage) WithSettle(fn func(error)) InboundMessage {
	var once sync.Once
	m.settle = func(err error) {
		once.Do(func() { fn(err) })
	}
	return m
}

// Media is downloaded message media
type Media struct {
	MimeType string
	Data     []byte
}

// Sender sends text to a user
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Channel is the messaging surface used by the engine
type Channel interface {
	Sender
	DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error)
}

// Events are the callbacks a transport fires
type Events struct {
	OnMessage      func(msg InboundMessage)
	OnReady        func()
	OnDisconnected func(reason string)
	OnQRCode       func(data string)
}

// Transport is a concrete connection to the messaging network
type Transport interface {
	Channel
	Start(ctx context.Context, events Events) error
	Stop() error
}

// MessageHandler consumes inbound messages. A handler returning nil takes ownership of msg
// and must call msg.Settle once processing has finished.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// inlineOrFetch returns inline media bytes or downloads them from the message URL
func inlineOrFetch(ctx context.Context, client *http.Client, msg InboundMessage) (*Media, error) {
	if !msg.HasMedia {
		return nil, ErrNoMedia
	}
	if len(msg.MediaData) > 0 {
		return &Media{MimeType: msg.MimeType, Data: msg.MediaData}, nil
	}
	if msg.MediaURL == "" {
		return nil, ErrNoMedia
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.MediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}

	mimeType := msg.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &Media{MimeType: mimeType, Data: data}, nil
}
