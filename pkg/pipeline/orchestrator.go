package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/attention"
	"salescoach-server/pkg/coaching"
	"salescoach-server/pkg/config"
	pkgerrors "salescoach-server/pkg/errors"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/roles"
	"salescoach-server/pkg/session"
	"salescoach-server/pkg/stt"
	"salescoach-server/pkg/util"
)

// conversationWindow is how many recent utterances each inference cycle sees
const conversationWindow = 10

// EventSink is where pipeline events go; the realtime hub in production
type EventSink interface {
	BroadcastToOrg(orgID, eventType string, payload interface{})
	BroadcastToCall(callUUID, eventType string, payload interface{})
}

// RecordPublisher persists finished-call records; nil disables persistence
type RecordPublisher interface {
	PublishCallRecord(record *session.CallRecord) error
	IsConnected() bool
}

// TranscriptEvent is the live transcript payload streamed to listen-in
// managers. Partials flow through too; only finals enter the history.
type TranscriptEvent struct {
	CallUUID  string     `json:"call_uuid"`
	Role      roles.Role `json:"role"`
	Text      string     `json:"text"`
	IsFinal   bool       `json:"is_final"`
	Timestamp time.Time  `json:"timestamp"`
}

// Deps wires the orchestrator's collaborators
type Deps struct {
	Logger     *logrus.Logger
	Config     *config.Config
	Registry   *session.Registry
	Engine     *attention.Engine
	Sink       EventSink
	Coach      *coaching.Client
	OrgConfigs coaching.OrgConfigService
	Publisher  RecordPublisher
	Dialer     stt.Dialer
}

// Orchestrator is the glue of the live pipeline: it owns stream lifecycle,
// routes audio to the right transcription session, runs coaching cycles on
// finalized customer utterances, and fans results out to the attention
// engine and the realtime hub. Audio ingestion never waits on inference;
// cycles run on a shared worker pool.
type Orchestrator struct {
	logger     *logrus.Logger
	cfg        *config.Config
	registry   *session.Registry
	engine     *attention.Engine
	sink       EventSink
	coach      *coaching.Client
	orgConfigs coaching.OrgConfigService
	publisher  RecordPublisher
	dialer     stt.Dialer
	pool       *util.GoroutinePool
}

// NewOrchestrator creates the pipeline orchestrator and starts its coaching
// worker pool
func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		logger:     deps.Logger,
		cfg:        deps.Config,
		registry:   deps.Registry,
		engine:     deps.Engine,
		sink:       deps.Sink,
		coach:      deps.Coach,
		orgConfigs: deps.OrgConfigs,
		publisher:  deps.Publisher,
		dialer:     deps.Dialer,
		pool:       util.NewGoroutinePool(64, 256),
	}
	if o.dialer == nil {
		o.dialer = stt.WebSocketDialer{}
	}
	o.pool.Start(4)
	return o
}

// Bind attaches the attention engine and event sink after construction.
// The realtime hub takes the orchestrator as its replay source, so the two
// cannot both be finished before the other exists.
func (o *Orchestrator) Bind(engine *attention.Engine, sink EventSink) {
	o.engine = engine
	o.sink = sink
}

// HandleStreamStart begins a call: registers the session and attention
// state, opens both transcription sessions, and announces the call to the
// organization's managers. Idempotent per call uuid.
func (o *Orchestrator) HandleStreamStart(meta session.Meta) *session.CallSession {
	sess, created := o.registry.GetOrCreate(meta)
	if !created {
		return sess
	}
	meta = sess.Meta // registry may have filled in a generated uuid

	o.engine.StartCall(meta.CallUUID, meta.OrgID, meta.AgentName, meta.LeadName)

	for _, role := range []roles.Role{roles.RoleAgent, roles.RoleCustomer} {
		sttSess := stt.OpenSession(meta.CallUUID, role, o.sttConfig(), o.dialer,
			o.transcriptCallback(sess, role), o.logger)
		sess.SetSTTSession(role, sttSess)
	}

	o.sink.BroadcastToOrg(meta.OrgID, "call_started", meta)
	return sess
}

// HandleAudioPacket routes one audio packet to the transcription session of
// the speaking role. Media for a call id with no session synthesizes one
// with a minimal context, so orphaned or out-of-order packets are still
// transcribed. Never blocks on provider or inference I/O.
func (o *Orchestrator) HandleAudioPacket(callUUID string, track roles.Track, data []byte) error {
	sess, err := o.registry.Get(callUUID)
	if err != nil {
		o.logger.WithField("call_uuid", callUUID).Warn("Media for unknown call, synthesizing session")
		sess = o.HandleStreamStart(session.Meta{CallUUID: callUUID})
	}

	role := roles.Resolve(track, roles.LegAgent)
	sttSess, ok := sess.STTSession(role)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.ErrTranscriptionFailed, "no transcription session for role", map[string]interface{}{
			"call_uuid": callUUID,
			"role":      string(role),
		})
	}

	sttSess.SendAudio(data)
	metrics.RecordAudioPacket(string(role), len(data))
	return nil
}

// HandleStreamStop ends a call: builds and publishes the summary record,
// tears down attention state, and notifies managers. A repeated stop for
// the same call returns ErrCallNotFound and does nothing.
func (o *Orchestrator) HandleStreamStop(callUUID string) (*session.CallRecord, error) {
	record, err := o.registry.End(callUUID)
	if err != nil {
		return nil, err
	}

	o.engine.EndCall(callUUID)
	o.sink.BroadcastToOrg(record.OrgID, "call_ended", record)

	if o.publisher != nil && o.publisher.IsConnected() {
		if err := o.publisher.PublishCallRecord(record); err != nil {
			o.logger.WithError(err).WithField("call_uuid", callUUID).Error("Failed to publish call record")
		}
	}
	return record, nil
}

// CallHistory implements the realtime hub's replay source
func (o *Orchestrator) CallHistory(callUUID string) ([]session.Utterance, []*coaching.Result, error) {
	sess, err := o.registry.Get(callUUID)
	if err != nil {
		return nil, nil, err
	}
	return sess.TranscriptHistory(), sess.CoachingHistory(), nil
}

// Shutdown ends every active call and drains the coaching pool
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	var active []string
	o.registry.Range(func(sess *session.CallSession) bool {
		active = append(active, sess.Meta.CallUUID)
		return true
	})
	for _, callUUID := range active {
		if _, err := o.HandleStreamStop(callUUID); err != nil {
			o.logger.WithError(err).WithField("call_uuid", callUUID).Warn("Failed to end call during shutdown")
		}
	}
	o.pool.Shutdown(timeout)
}

func (o *Orchestrator) sttConfig() stt.SessionConfig {
	return stt.SessionConfig{
		URL:         o.cfg.STTWebSocketURL,
		APIKey:      o.cfg.STTAPIKey,
		Model:       o.cfg.STTModel,
		Encoding:    o.cfg.STTEncoding,
		SampleRate:  o.cfg.STTSampleRate,
		Language:    o.cfg.STTLanguage,
		BacklogCap:  o.cfg.AudioBacklogCap,
		MaxAttempts: o.cfg.ReconnectMaxAttempts,
		BaseDelay:   o.cfg.ReconnectBaseDelay,
		MaxDelay:    o.cfg.ReconnectMaxDelay,
	}
}

// transcriptCallback handles transcript segments for one (call, role)
// stream. Finals enter the history; final customer utterances additionally
// trigger a coaching cycle.
func (o *Orchestrator) transcriptCallback(sess *session.CallSession, role roles.Role) stt.TranscriptCallback {
	callUUID := sess.Meta.CallUUID
	return func(text string, isFinal bool) {
		o.sink.BroadcastToCall(callUUID, "live_transcript", TranscriptEvent{
			CallUUID:  callUUID,
			Role:      role,
			Text:      text,
			IsFinal:   isFinal,
			Timestamp: time.Now(),
		})
		if !isFinal {
			return
		}

		sess.AppendFinalTranscript(role, text)
		if role != roles.RoleCustomer {
			return
		}

		if !o.pool.Submit(func() { o.runCoachingCycle(sess) }) {
			metrics.RecordCoachingFailure("queue_full")
			o.logger.WithField("call_uuid", callUUID).Warn("Coaching pool saturated, skipping cycle")
		}
	}
}

// runCoachingCycle executes one inference cycle for a call. Failures skip
// the cycle; they never reach the audio path.
func (o *Orchestrator) runCoachingCycle(sess *session.CallSession) {
	callUUID := sess.Meta.CallUUID
	started := time.Now()

	ctx := sess.Context()
	if ctx.Err() != nil {
		return // call ended while the cycle sat in the queue
	}

	orgCfg, err := o.orgConfigs.Fetch(ctx, sess.Meta.OrgID)
	if err != nil {
		orgCfg = coaching.DefaultOrgConfig()
	}

	result, err := o.coach.Analyze(ctx, coaching.Request{
		CallUUID:     callUUID,
		OrgID:        sess.Meta.OrgID,
		Config:       orgCfg,
		LeadContext:  sess.Meta.LeadContext,
		Conversation: sess.RecentTurns(conversationWindow),
	})
	if err != nil {
		metrics.RecordCoachingCycle("failure", time.Since(started))
		o.logger.WithError(err).WithField("call_uuid", callUUID).Debug("Coaching cycle produced no result")
		return
	}

	sess.AppendCoachingResult(result)
	o.sink.BroadcastToCall(callUUID, "live_coaching", result)
	o.engine.Evaluate(callUUID, result, orgCfg.Stages)
	metrics.RecordCoachingCycle("success", time.Since(started))
}
