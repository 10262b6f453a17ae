package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/coaching"
	pkgerrors "salescoach-server/pkg/errors"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/roles"
	"salescoach-server/pkg/stt"
	"salescoach-server/pkg/util"
)

// Utterance is one finalized transcript line
type Utterance struct {
	Role      roles.Role `json:"role"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
}

// Meta is the identifying context a call starts with. Streams can arrive
// before the CRM push, so every field except CallUUID may be empty.
type Meta struct {
	CallUUID    string `json:"call_uuid"`
	OrgID       string `json:"org_id"`
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	LeadName    string `json:"lead_name"`
	LeadContext string `json:"lead_context"`
}

// CallSession is the per-call aggregate: identity, transcript and coaching
// history, and the two live transcription sessions. All mutation goes
// through its lock; snapshot accessors return copies.
type CallSession struct {
	mu sync.RWMutex

	Meta      Meta
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	transcripts     []Utterance
	coachingHistory []*coaching.Result
	sttSessions     map[roles.Role]*stt.Session
	ended           bool
}

// Context is cancelled when the call ends
func (s *CallSession) Context() context.Context {
	return s.ctx
}

// AppendFinalTranscript records one finalized utterance and returns it
// stamped with its arrival time
func (s *CallSession) AppendFinalTranscript(role roles.Role, text string) Utterance {
	utterance := Utterance{Role: role, Text: text, Timestamp: time.Now()}
	s.mu.Lock()
	s.transcripts = append(s.transcripts, utterance)
	s.mu.Unlock()
	metrics.RecordFinalTranscript(string(role))
	return utterance
}

// AppendCoachingResult records one validated coaching result
func (s *CallSession) AppendCoachingResult(result *coaching.Result) {
	s.mu.Lock()
	s.coachingHistory = append(s.coachingHistory, result)
	s.mu.Unlock()
}

// TranscriptHistory returns a copy of the finalized transcript so far,
// interleaved across roles in timestamp order
func (s *CallSession) TranscriptHistory() []Utterance {
	s.mu.RLock()
	out := append([]Utterance(nil), s.transcripts...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// CoachingHistory returns a copy of the coaching results so far
func (s *CallSession) CoachingHistory() []*coaching.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*coaching.Result(nil), s.coachingHistory...)
}

// RecentTurns returns the last n utterances of both roles in chronological
// order, shaped as inference conversation turns
func (s *CallSession) RecentTurns(n int) []coaching.Turn {
	history := s.TranscriptHistory()
	if len(history) > n {
		history = history[len(history)-n:]
	}
	turns := make([]coaching.Turn, 0, len(history))
	for _, u := range history {
		turns = append(turns, coaching.Turn{
			Role:      string(u.Role),
			Text:      u.Text,
			Timestamp: u.Timestamp,
		})
	}
	return turns
}

// SetSTTSession attaches the transcription session for one role
func (s *CallSession) SetSTTSession(role roles.Role, sess *stt.Session) {
	s.mu.Lock()
	s.sttSessions[role] = sess
	s.mu.Unlock()
}

// STTSession returns the transcription session for a role, if attached
func (s *CallSession) STTSession(role roles.Role) (*stt.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sttSessions[role]
	return sess, ok
}

// end closes the call's resources exactly once
func (s *CallSession) end() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	sessions := make([]*stt.Session, 0, len(s.sttSessions))
	for _, sess := range s.sttSessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.cancel()
	return true
}

// Registry holds every active call, keyed by call uuid. Lookups for
// different calls never contend on the same lock.
type Registry struct {
	logger *logrus.Logger
	calls  *util.ShardedMap
}

// NewRegistry creates an empty call registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger: logger,
		calls:  util.NewShardedMap(32),
	}
}

// GetOrCreate returns the call's session, creating it on first sight.
// Concurrent calls for the same uuid observe exactly one creation. A meta
// with no uuid gets a generated one, so a stream arriving ahead of its CRM
// context still gets a working session.
func (r *Registry) GetOrCreate(meta Meta) (*CallSession, bool) {
	if meta.CallUUID == "" {
		meta.CallUUID = uuid.New().String()
		r.logger.WithField("call_uuid", meta.CallUUID).Warn("Stream without call context, generated uuid")
	}

	value, loaded := r.calls.LoadOrStore(meta.CallUUID, func() interface{} {
		ctx, cancel := context.WithCancel(context.Background())
		return &CallSession{
			Meta:        meta,
			StartedAt:   time.Now(),
			ctx:         ctx,
			cancel:      cancel,
			sttSessions: make(map[roles.Role]*stt.Session),
		}
	})
	sess := value.(*CallSession)

	created := !loaded
	if created {
		metrics.RecordCallStarted()
		r.logger.WithFields(logrus.Fields{
			"call_uuid": meta.CallUUID,
			"org_id":    meta.OrgID,
			"agent":     meta.AgentName,
		}).Info("Call session created")
	}
	return sess, created
}

// Get returns an active call's session
func (r *Registry) Get(callUUID string) (*CallSession, error) {
	value, ok := r.calls.Load(callUUID)
	if !ok {
		return nil, pkgerrors.ErrCallNotFound
	}
	return value.(*CallSession), nil
}

// End closes a call's resources and removes it from the registry, returning
// the finished record. A second End for the same call is a no-op returning
// ErrCallNotFound.
func (r *Registry) End(callUUID string) (*CallRecord, error) {
	value, ok := r.calls.Load(callUUID)
	if !ok {
		return nil, pkgerrors.ErrCallNotFound
	}
	sess := value.(*CallSession)

	if !sess.end() {
		return nil, pkgerrors.ErrCallEnded
	}
	r.calls.Delete(callUUID)

	record := BuildRecord(sess)
	metrics.RecordCallEnded(time.Duration(record.DurationSeconds) * time.Second)
	r.logger.WithFields(logrus.Fields{
		"call_uuid":        callUUID,
		"duration_seconds": record.DurationSeconds,
		"utterances":       len(record.Transcript),
	}).Info("Call session ended")
	return record, nil
}

// Count returns the number of active calls
func (r *Registry) Count() int {
	return r.calls.Count()
}

// Range visits every active call session
func (r *Registry) Range(fn func(sess *CallSession) bool) {
	r.calls.Range(func(_ string, value interface{}) bool {
		return fn(value.(*CallSession))
	})
}
