package stt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/roles"
)

// Session streams raw audio for one (call, role) pair to the transcription
// provider and delivers deduplicated transcript callbacks. It buffers audio
// while connecting and transparently reconnects with bounded exponential
// backoff when the provider drops the connection. Once closed by its owner it
// never reconnects.
type Session struct {
	callUUID string
	role     roles.Role
	cfg      SessionConfig
	dialer   Dialer
	callback TranscriptCallback
	logger   *logrus.Entry

	mu          sync.Mutex
	conn        Conn
	backlog     [][]byte
	lastFinal   string
	lastPartial string
	attempts    int
	closed      bool
}

// OpenSession creates a session and starts connecting asynchronously. Audio
// sent before the connection opens is buffered and flushed in order.
func OpenSession(callUUID string, role roles.Role, cfg SessionConfig, dialer Dialer, callback TranscriptCallback, logger *logrus.Logger) *Session {
	s := &Session{
		callUUID: callUUID,
		role:     role,
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		callback: callback,
		logger: logger.WithFields(logrus.Fields{
			"call_uuid": callUUID,
			"role":      string(role),
		}),
	}

	go s.connect()
	return s
}

// SendAudio forwards an audio frame to the provider. While the connection is
// still being established the frame is appended to the backlog (drop-oldest
// once the cap is hit). After Close it is a no-op. Errors never propagate to
// the caller; a broken session degrades to silence for this role.
func (s *Session) SendAudio(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.conn == nil {
		if len(s.backlog) >= s.cfg.BacklogCap {
			s.backlog = s.backlog[1:]
			metrics.RecordBacklogDrop(string(s.role))
			s.logger.Debug("Audio backlog full, dropped oldest frame")
		}
		frame := make([]byte, len(data))
		copy(frame, data)
		s.backlog = append(s.backlog, frame)
		return
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		// The read loop will observe the broken connection and schedule the
		// reconnect; here we only log.
		s.logger.WithError(err).Debug("Failed to forward audio frame")
	}
}

// Close marks the session closed, suppressing any further reconnects, and
// tears down the underlying connection if open or connecting. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.backlog = nil

	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}

	s.logger.Debug("Transcription session closed")
}

// Closed reports whether the session has been closed or has given up
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connect dials the provider, performs the configuration handshake, flushes
// the backlog in order, and starts the read loop. Failures route into the
// reconnect schedule.
func (s *Session) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	conn, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	cancel()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to connect to transcription provider")
		s.scheduleReconnect()
		return
	}

	handshake := configMessage{
		APIKey:     s.cfg.APIKey,
		Model:      s.cfg.Model,
		Encoding:   s.cfg.Encoding,
		SampleRate: s.cfg.SampleRate,
		Language:   s.cfg.Language,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}

	if err := conn.WriteJSON(handshake); err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).Warn("Failed to send transcription handshake")
		conn.Close()
		s.scheduleReconnect()
		return
	}

	// Flush buffered audio in arrival order before going live. Frames leave
	// the backlog as they are written so a failed flush resends only what
	// the dying connection never took.
	flushed := 0
	for len(s.backlog) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, s.backlog[0]); err != nil {
			s.mu.Unlock()
			s.logger.WithError(err).Warn("Failed to flush audio backlog")
			conn.Close()
			s.scheduleReconnect()
			return
		}
		s.backlog = s.backlog[1:]
		flushed++
	}
	s.backlog = nil
	s.conn = conn
	s.attempts = 0
	s.mu.Unlock()

	metrics.RecordSTTConnect(string(s.role))
	s.logger.WithField("flushed_frames", flushed).Info("Transcription provider connection established")

	go s.readLoop(conn)
}

// readLoop consumes provider messages until the connection breaks
func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Transcription connection read error")
			}
			s.handleDisconnect(conn)
			return
		}

		var msg providerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Warn("Failed to parse transcription provider message")
			continue
		}

		if msg.ErrorCode != "" {
			s.logger.WithField("error_code", msg.ErrorCode).Error("Transcription provider reported fatal session error")
			conn.Close()
			s.handleDisconnect(conn)
			return
		}

		s.processTokens(msg.Tokens)
	}
}

// processTokens splits a provider message into final and partial text and
// emits deduplicated callbacks. The provider may resend identical results;
// only changed text reaches the callback. An accepted final clears the
// partial memory, since a final always supersedes the partial it completed.
func (s *Session) processTokens(tokens []token) {
	var finals, partials []string
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if text == "" {
			continue
		}
		if tok.IsFinal {
			finals = append(finals, text)
		} else {
			partials = append(partials, text)
		}
	}

	finalText := strings.Join(finals, " ")
	partialText := strings.Join(partials, " ")

	var emitFinal, emitPartial bool

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if finalText != "" && finalText != s.lastFinal {
		s.lastFinal = finalText
		s.lastPartial = ""
		emitFinal = true
	}
	if partialText != "" && partialText != s.lastPartial {
		s.lastPartial = partialText
		emitPartial = true
	}
	s.mu.Unlock()

	if emitFinal && s.callback != nil {
		s.callback(finalText, true)
	}
	if emitPartial && s.callback != nil {
		s.callback(partialText, false)
	}
}

// handleDisconnect reacts to a broken connection: unless the session was
// closed by its owner, it schedules a reconnect with exponential backoff.
func (s *Session) handleDisconnect(old Conn) {
	s.mu.Lock()
	if s.conn != old {
		// A newer connection already replaced this one
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	s.logger.Info("Transcription connection lost")
	s.scheduleReconnect()
}

// scheduleReconnect arms a reconnect attempt after the backoff delay, or
// gives up permanently once the attempt budget is exhausted.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.attempts++
	if s.attempts > s.cfg.MaxAttempts {
		s.closed = true
		s.backlog = nil
		s.mu.Unlock()

		metrics.RecordSTTTerminalFailure(string(s.role))
		s.logger.WithField("attempts", s.cfg.MaxAttempts).Error("Transcription reconnect attempts exhausted, giving up for this role")
		return
	}

	delay := s.cfg.BaseDelay << (s.attempts - 1)
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	attempt := s.attempts
	s.mu.Unlock()

	metrics.RecordSTTReconnect(string(s.role))
	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("Scheduling transcription reconnect")

	time.AfterFunc(delay, func() {
		if s.Closed() {
			return
		}
		s.connect()
	})
}
