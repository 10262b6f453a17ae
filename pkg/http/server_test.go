package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoach-server/pkg/attention"
	"salescoach-server/pkg/coaching"
	"salescoach-server/pkg/config"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/pipeline"
	"salescoach-server/pkg/realtime"
	"salescoach-server/pkg/session"
	"salescoach-server/pkg/stt"
)

func init() {
	metrics.EnableMetrics(false)
}

type nullSink struct{}

func (nullSink) BroadcastToOrg(orgID, eventType string, payload interface{})    {}
func (nullSink) BroadcastToCall(callUUID, eventType string, payload interface{}) {}

// recordingConn captures audio frames routed to the transcription provider
type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
	once   sync.Once
}

func (c *recordingConn) WriteJSON(v interface{}) error { return nil }

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, errors.New("closed")
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *recordingConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type recordingDialer struct {
	mu    sync.Mutex
	conns []*recordingConn
}

func (d *recordingDialer) DialContext(ctx context.Context, url string, header http.Header) (stt.Conn, error) {
	conn := &recordingConn{done: make(chan struct{})}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

type serverFixture struct {
	server   *Server
	engine   *attention.Engine
	registry *session.Registry
	dialer   *recordingDialer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dialer := &recordingDialer{}
	registry := session.NewRegistry(logger)
	engine := attention.NewEngine(logger, nullSink{})
	hub := realtime.NewHub(logger, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Logger:     logger,
		Config:     &config.Config{STTWebSocketURL: "ws://stt.test", ReconnectMaxAttempts: 1, ReconnectBaseDelay: time.Hour},
		Registry:   registry,
		Engine:     engine,
		Sink:       nullSink{},
		Coach:      coaching.NewClient(logger, "", "", time.Second),
		OrgConfigs: &coaching.StaticOrgConfigService{},
		Dialer:     dialer,
	})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	return &serverFixture{
		server:   NewServer(logger, ":0", orch, engine, registry, hub),
		engine:   engine,
		registry: registry,
		dialer:   dialer,
	}
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newServerFixture(t)

	rec := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_calls"])
}

func TestCallsEndpoint(t *testing.T) {
	fixture := newServerFixture(t)
	sess, _ := fixture.registry.GetOrCreate(session.Meta{CallUUID: "call-1", OrgID: "org-1", AgentName: "Dana"})
	sess.AppendCoachingResult(&coaching.Result{Stage: "discovery", Score: 62, Advice: "x"})
	fixture.registry.GetOrCreate(session.Meta{CallUUID: "call-2", OrgID: "org-2"})

	rec := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls?org_id=org-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var calls []CallSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].CallUUID)
	assert.Equal(t, float64(62), calls[0].Score)
	assert.Equal(t, "discovery", calls[0].Stage)
	assert.Equal(t, attention.SeverityNone, calls[0].AlertLevel)
}

func TestAlertsAndDismiss(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.engine.StartCall("call-1", "org-1", "Dana", "Acme")
	fixture.engine.Evaluate("call-1", &coaching.Result{Stage: "discovery", Score: 30, Advice: "x"}, nil)

	rec := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts?org_id=org-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []*attention.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, attention.SeverityCritical, alerts[0].Severity)

	body, _ := json.Marshal(map[string]string{"call_uuid": "call-1", "manager_id": "mgr-1"})
	rec = httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/dismiss", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/dismiss", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "dismissing twice finds no active alert")

	rec = httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts?org_id=org-1", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	assert.Empty(t, alerts)
}

func TestDismissValidation(t *testing.T) {
	fixture := newServerFixture(t)

	rec := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/dismiss", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts/dismiss", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMediaStreamLifecycle(t *testing.T) {
	fixture := newServerFixture(t)
	srv := httptest.NewServer(fixture.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"event": "start", "call_uuid": "call-1", "org_id": "org-1", "agent_name": "Dana",
	}))
	require.Eventually(t, func() bool {
		return fixture.registry.Count() == 1
	}, time.Second, 5*time.Millisecond, "start signal creates the call")

	payload := base64.StdEncoding.EncodeToString([]byte("audio-bytes"))
	require.NoError(t, conn.WriteJSON(map[string]string{
		"event": "media", "track": "outbound", "payload": payload,
	}))
	require.Eventually(t, func() bool {
		fixture.dialer.mu.Lock()
		defer fixture.dialer.mu.Unlock()
		for _, c := range fixture.dialer.conns {
			if c.frameCount() > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "media packets reach the transcription provider")

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "stop"}))
	require.Eventually(t, func() bool {
		return fixture.registry.Count() == 0
	}, time.Second, 5*time.Millisecond, "stop signal ends the call")
}

func TestMediaStreamDropEndsCall(t *testing.T) {
	fixture := newServerFixture(t)
	srv := httptest.NewServer(fixture.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"event": "start", "call_uuid": "call-1", "org_id": "org-1",
	}))
	require.Eventually(t, func() bool {
		return fixture.registry.Count() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return fixture.registry.Count() == 0
	}, time.Second, 5*time.Millisecond, "a dropped stream without a stop still releases the call")
}
