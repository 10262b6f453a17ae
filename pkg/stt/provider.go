package stt

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// TranscriptCallback receives deduplicated transcript text for one
// (call, role) stream. isFinal distinguishes settled results from
// still-updating partials.
type TranscriptCallback func(text string, isFinal bool)

// Conn is the subset of a websocket connection the session uses. The gorilla
// *websocket.Conn satisfies it directly; tests substitute a fake.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer establishes provider connections
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials the transcription provider over a real websocket
type WebSocketDialer struct{}

// DialContext implements Dialer
func (WebSocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// configMessage is the JSON handshake sent as the first frame of every
// provider connection
type configMessage struct {
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language"`
}

// token is one transcription token in a provider message
type token struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// providerMessage is the JSON shape of messages the provider emits. A
// non-empty ErrorCode signals a fatal session error.
type providerMessage struct {
	Tokens    []token `json:"tokens"`
	ErrorCode string  `json:"error_code,omitempty"`
}

// SessionConfig configures one transcription session
type SessionConfig struct {
	URL        string
	APIKey     string
	Model      string
	Encoding   string
	SampleRate int
	Language   string

	// BacklogCap bounds the number of audio frames buffered while the
	// connection is being established. Oldest frames are dropped first.
	BacklogCap int

	// Reconnect policy: base delay doubles per attempt up to MaxDelay, and
	// the session gives up after MaxAttempts.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// DialTimeout bounds each individual connection attempt
	DialTimeout time.Duration
}

// withDefaults returns a copy with safe defaults applied on top of zero
// values
func (c SessionConfig) withDefaults() SessionConfig {
	if c.BacklogCap <= 0 {
		c.BacklogCap = 200
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}
