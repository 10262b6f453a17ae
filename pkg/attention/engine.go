package attention

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/coaching"
	pkgerrors "salescoach-server/pkg/errors"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/util"
)

// Alert severity levels, ordered. These are the engine's own levels and are
// richer than the display severity attached to coaching results.
const (
	SeverityNone     = "none"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func maxSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Reason types attached to alerts
const (
	ReasonCriticalScore       = "critical_score"
	ReasonLowScore            = "low_score"
	ReasonDecliningStreak     = "declining_streak"
	ReasonUnhandledObjections = "unhandled_objections"
	ReasonCompetitorMention   = "competitor_battle_card"
	ReasonCustomerFrustration = "customer_frustration"
	ReasonWeakDiscovery       = "weak_discovery"
	ReasonWeakObjections      = "weak_objection_handling"
	ReasonWeakClosing         = "weak_closing"
	ReasonStuckEarlyStage     = "stuck_early_stage"
	ReasonLongStrugglingCall  = "long_struggling_call"
	ReasonGoldenMoment        = "golden_moment"
	ReasonLostMomentum        = "lost_momentum"
	ReasonNegativeTone        = "negative_tone"
	ReasonScoreDowntrend      = "score_downtrend"
)

// Reason is one trigger explanation on an alert
type Reason struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Severity string `json:"severity"`
}

// Alert is a manager-facing flag that a call needs intervention. At most one
// non-dismissed alert exists per call; it is updated in place across cycles
// and keeps its original creation time.
type Alert struct {
	CallUUID        string             `json:"call_uuid"`
	OrgID           string             `json:"org_id"`
	AgentName       string             `json:"agent_name"`
	LeadName        string             `json:"lead_name"`
	Severity        string             `json:"severity"`
	Reasons         []Reason           `json:"reasons"`
	Score           float64            `json:"score"`
	Stage           string             `json:"stage"`
	Breakdown       coaching.Breakdown `json:"breakdown"`
	DurationSeconds int                `json:"duration_seconds"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Dismissed       bool               `json:"dismissed"`
	DismissedBy     string             `json:"dismissed_by,omitempty"`
	DismissedAt     time.Time          `json:"dismissed_at,omitempty"`
}

// CallUpdate is the lightweight per-cycle status broadcast to an
// organization's managers regardless of alert outcome
type CallUpdate struct {
	CallUUID   string  `json:"call_uuid"`
	OrgID      string  `json:"org_id"`
	AgentName  string  `json:"agent_name"`
	Score      float64 `json:"score"`
	Stage      string  `json:"stage"`
	AlertLevel string  `json:"alert_level"`
}

// Broadcaster delivers engine events to an organization's manager channel
type Broadcaster interface {
	BroadcastToOrg(orgID, eventType string, payload interface{})
}

// State is the engine's running view of one call. All fields are guarded by
// mu; Evaluate holds it for the duration of a cycle so concurrent cycle
// results for the same call apply one at a time.
type State struct {
	mu sync.Mutex

	CallUUID  string
	OrgID     string
	AgentName string
	LeadName  string
	StartedAt time.Time

	CurrentStage   string
	StageEnteredAt time.Time
	AlertLevel     string

	LowScoreStreak      int
	UnhandledObjections int
	FrustrationCount    int
	NegativeToneStreak  int
	ScoreHistory        []float64
	BuyingSignalMissed  bool
	LastBuyingSignal    string
	LastTone            string

	alert *Alert
}

// Engine consumes coaching results and maintains per-call attention state
// and alerts. Safe for concurrent use across calls; evaluation for one call
// is serialized on that call's state lock.
type Engine struct {
	logger      *logrus.Logger
	broadcaster Broadcaster
	states      *util.ShardedMap
}

// NewEngine creates an attention engine. The broadcaster may be nil, in
// which case events are evaluated but not delivered anywhere.
func NewEngine(logger *logrus.Logger, broadcaster Broadcaster) *Engine {
	return &Engine{
		logger:      logger,
		broadcaster: broadcaster,
		states:      util.NewShardedMap(16),
	}
}

// StartCall registers attention state for a new call. Idempotent: a second
// call for the same uuid returns the existing state untouched.
func (e *Engine) StartCall(callUUID, orgID, agentName, leadName string) *State {
	value, _ := e.states.LoadOrStore(callUUID, func() interface{} {
		return &State{
			CallUUID:         callUUID,
			OrgID:            orgID,
			AgentName:        agentName,
			LeadName:         leadName,
			StartedAt:        time.Now(),
			StageEnteredAt:   time.Now(),
			AlertLevel:       SeverityNone,
			LastBuyingSignal: coaching.BuyingSignalNone,
			LastTone:         coaching.ToneNeutral,
		}
	})
	return value.(*State)
}

// Evaluate applies one coaching result to a call's attention state, raising,
// updating, or resolving its alert as the trigger rules dictate. Returns the
// active alert after the cycle, or nil when none is active. Unknown calls
// are ignored.
func (e *Engine) Evaluate(callUUID string, result *coaching.Result, stages []string) *Alert {
	value, ok := e.states.Load(callUUID)
	if !ok {
		e.logger.WithField("call_uuid", callUUID).Warn("Coaching result for unknown call, dropping")
		return nil
	}
	state := value.(*State)
	if len(stages) == 0 {
		stages = coaching.DefaultStages()
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if result.Stage != state.CurrentStage {
		state.CurrentStage = result.Stage
		state.StageEnteredAt = time.Now()
	}
	state.ScoreHistory = append(state.ScoreHistory, result.Score)

	reasons, severity := e.runRules(state, result, stages)
	shouldAlert := len(reasons) > 0

	var outcome *Alert
	switch {
	case shouldAlert:
		outcome = e.raiseOrUpdate(state, result, reasons, severity)
	case result.Score >= 65 && state.alert != nil && !state.alert.Dismissed:
		e.resolve(state)
	default:
		if state.alert != nil && !state.alert.Dismissed {
			outcome = cloneAlert(state.alert)
		}
	}

	state.LastBuyingSignal = result.BuyingSignal
	state.LastTone = result.EmotionalTone

	if e.broadcaster != nil {
		e.broadcaster.BroadcastToOrg(state.OrgID, "call_update", CallUpdate{
			CallUUID:   state.CallUUID,
			OrgID:      state.OrgID,
			AgentName:  state.AgentName,
			Score:      result.Score,
			Stage:      result.Stage,
			AlertLevel: state.AlertLevel,
		})
	}

	return outcome
}

// runRules evaluates the trigger rules against one result and returns the
// reasons that fired along with the highest severity among them
func (e *Engine) runRules(state *State, result *coaching.Result, stages []string) ([]Reason, string) {
	var reasons []Reason
	severity := SeverityNone
	add := func(reasonType, text, reasonSeverity string) {
		reasons = append(reasons, Reason{Type: reasonType, Text: text, Severity: reasonSeverity})
		severity = maxSeverity(severity, reasonSeverity)
	}

	score := result.Score
	duration := time.Since(state.StartedAt)

	// Rule 1: critical/low score, with streak bookkeeping. A score >= 65
	// resets the streak; a middling score decays it.
	switch {
	case score < 35:
		state.LowScoreStreak++
		add(ReasonCriticalScore, "Score is critically low", SeverityCritical)
	case score < 50:
		state.LowScoreStreak++
		add(ReasonLowScore, "Score is low", SeverityHigh)
	case score >= 65:
		state.LowScoreStreak = 0
	default:
		// Rule 2: middling score after an established low streak
		if state.LowScoreStreak >= 2 {
			add(ReasonDecliningStreak, "Call has not recovered from a run of low scores", SeverityMedium)
		}
		if state.LowScoreStreak > 0 {
			state.LowScoreStreak--
		}
	}

	// Rule 3: open objections piling up
	open := 0
	for _, obj := range result.Signals.Objections {
		if !obj.Handled {
			open++
		}
	}
	state.UnhandledObjections = open
	switch {
	case open >= 3:
		add(ReasonUnhandledObjections, "Three or more objections remain unaddressed", SeverityHigh)
	case open >= 2:
		add(ReasonUnhandledObjections, "Multiple objections remain unaddressed", SeverityMedium)
	}

	// Rule 4: competitor battle card
	if result.BattleCard.Triggered && result.BattleCard.Type == "competitor" {
		add(ReasonCompetitorMention, "Competitor mentioned: "+result.BattleCard.Term, SeverityMedium)
	}

	// Rule 5: customer frustration
	highPains := 0
	for _, pain := range result.Signals.Pains {
		if pain.Severity == "high" {
			highPains++
		}
	}
	if highPains >= 2 && score < 60 {
		state.FrustrationCount++
		add(ReasonCustomerFrustration, "Customer showing strong frustration signals", SeverityHigh)
	}

	// Rule 6: weak sub-scores. An all-zero breakdown means the provider
	// did not report one, so there is nothing to judge.
	if result.Breakdown != (coaching.Breakdown{}) {
		if result.Breakdown.Discovery < 30 {
			add(ReasonWeakDiscovery, "Discovery is weak", SeverityMedium)
		}
		if result.Breakdown.ObjectionHandling < 30 {
			add(ReasonWeakObjections, "Objection handling is weak", SeverityHigh)
		}
		if result.Breakdown.Closing < 25 {
			add(ReasonWeakClosing, "Closing effort is weak", SeverityMedium)
		}
	}

	// Rule 7: stuck in an early stage
	if duration > 10*time.Minute && containsStage(coaching.EarlyStages(stages), result.Stage) {
		add(ReasonStuckEarlyStage, "Call is past ten minutes and still in an early stage", SeverityMedium)
	}

	// Rule 8: long struggling call
	if duration > 20*time.Minute && score < 60 {
		add(ReasonLongStrugglingCall, "Long call with a persistently low score", SeverityHigh)
	}

	// Rule 9: golden moment. A real buying signal outside the closing
	// stages means the agent is missing the window.
	if (result.BuyingSignal == coaching.BuyingSignalMedium || result.BuyingSignal == coaching.BuyingSignalStrong) &&
		!containsStage(coaching.ClosingStages(stages), result.Stage) {
		state.BuyingSignalMissed = true
		if result.BuyingSignal == coaching.BuyingSignalStrong {
			add(ReasonGoldenMoment, "Strong buying signal outside closing, move to close now", SeverityCritical)
		} else {
			add(ReasonGoldenMoment, "Buying signal detected outside closing", SeverityHigh)
		}
	}

	// Rule 10: lost momentum after a missed signal
	if state.BuyingSignalMissed &&
		result.BuyingSignal == coaching.BuyingSignalNone &&
		state.LastBuyingSignal != coaching.BuyingSignalNone {
		add(ReasonLostMomentum, "Buying interest faded after a missed signal", SeverityHigh)
	}

	// Rule 11: negative tone streak
	switch result.EmotionalTone {
	case coaching.ToneNegative:
		state.FrustrationCount++
		state.NegativeToneStreak++
		if state.NegativeToneStreak >= 2 {
			add(ReasonNegativeTone, "Customer tone has stayed negative", SeverityHigh)
		}
	case coaching.TonePositive, coaching.ToneWarming:
		state.NegativeToneStreak = 0
		if state.FrustrationCount > 0 {
			state.FrustrationCount--
		}
	default:
		state.NegativeToneStreak = 0
	}

	// Rule 12: strict three-point downtrend
	if n := len(state.ScoreHistory); n >= 3 {
		a, b, c := state.ScoreHistory[n-3], state.ScoreHistory[n-2], state.ScoreHistory[n-1]
		if a > b && b > c && a-c > 15 {
			add(ReasonScoreDowntrend, "Score is dropping sharply", SeverityHigh)
		}
	}

	return reasons, severity
}

// raiseOrUpdate creates a call's alert or refreshes the existing one in
// place, preserving its creation time. Called with the state lock held.
func (e *Engine) raiseOrUpdate(state *State, result *coaching.Result, reasons []Reason, severity string) *Alert {
	now := time.Now()
	existing := state.alert
	if existing != nil && !existing.Dismissed {
		existing.Severity = severity
		existing.Reasons = reasons
		existing.Score = result.Score
		existing.Stage = result.Stage
		existing.Breakdown = result.Breakdown
		existing.DurationSeconds = int(time.Since(state.StartedAt).Seconds())
		existing.UpdatedAt = now
		state.AlertLevel = severity

		out := cloneAlert(existing)
		if e.broadcaster != nil {
			e.broadcaster.BroadcastToOrg(state.OrgID, "attention_alert", out)
		}
		return out
	}

	alert := &Alert{
		CallUUID:        state.CallUUID,
		OrgID:           state.OrgID,
		AgentName:       state.AgentName,
		LeadName:        state.LeadName,
		Severity:        severity,
		Reasons:         reasons,
		Score:           result.Score,
		Stage:           result.Stage,
		Breakdown:       result.Breakdown,
		DurationSeconds: int(time.Since(state.StartedAt).Seconds()),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	state.alert = alert
	state.AlertLevel = severity
	metrics.RecordAlertRaised(severity)
	e.logger.WithFields(logrus.Fields{
		"call_uuid": state.CallUUID,
		"severity":  severity,
		"reasons":   len(reasons),
	}).Info("Attention alert raised")

	out := cloneAlert(alert)
	if e.broadcaster != nil {
		e.broadcaster.BroadcastToOrg(state.OrgID, "attention_alert", out)
	}
	return out
}

// resolve clears a call's active alert. Called with the state lock held.
func (e *Engine) resolve(state *State) {
	state.alert = nil
	state.AlertLevel = SeverityNone
	metrics.RecordAlertResolved()
	e.logger.WithField("call_uuid", state.CallUUID).Info("Attention alert resolved")
	if e.broadcaster != nil {
		e.broadcaster.BroadcastToOrg(state.OrgID, "attention_resolved", map[string]string{
			"call_uuid": state.CallUUID,
		})
	}
}

// Dismiss marks a call's active alert as dismissed by a manager. The alert
// stays readable but no longer counts as active; a later cycle that fires
// again raises a fresh alert.
func (e *Engine) Dismiss(callUUID, managerID string) error {
	value, ok := e.states.Load(callUUID)
	if !ok {
		return pkgerrors.ErrCallNotFound
	}
	state := value.(*State)

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.alert == nil || state.alert.Dismissed {
		return pkgerrors.ErrAlertNotFound
	}
	state.alert.Dismissed = true
	state.alert.DismissedBy = managerID
	state.alert.DismissedAt = time.Now()
	state.AlertLevel = SeverityNone
	metrics.RecordAlertDismissed()
	e.logger.WithFields(logrus.Fields{
		"call_uuid":  callUUID,
		"manager_id": managerID,
	}).Info("Attention alert dismissed")
	if e.broadcaster != nil {
		e.broadcaster.BroadcastToOrg(state.OrgID, "attention_dismissed", map[string]string{
			"call_uuid":  callUUID,
			"manager_id": managerID,
		})
	}
	return nil
}

// GetAlert returns a call's active alert
func (e *Engine) GetAlert(callUUID string) (*Alert, error) {
	value, ok := e.states.Load(callUUID)
	if !ok {
		return nil, pkgerrors.ErrCallNotFound
	}
	state := value.(*State)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.alert == nil || state.alert.Dismissed {
		return nil, pkgerrors.ErrAlertNotFound
	}
	return cloneAlert(state.alert), nil
}

// ActiveAlerts returns all active alerts for an organization, most severe
// first. An empty orgID matches every organization.
func (e *Engine) ActiveAlerts(orgID string) []*Alert {
	var alerts []*Alert
	e.states.Range(func(_ string, value interface{}) bool {
		state := value.(*State)
		state.mu.Lock()
		if state.alert != nil && !state.alert.Dismissed && (orgID == "" || state.OrgID == orgID) {
			alerts = append(alerts, cloneAlert(state.alert))
		}
		state.mu.Unlock()
		return true
	})
	sort.SliceStable(alerts, func(i, j int) bool {
		if severityRank[alerts[i].Severity] != severityRank[alerts[j].Severity] {
			return severityRank[alerts[i].Severity] > severityRank[alerts[j].Severity]
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// EndCall discards a call's attention state and any alert. Idempotent.
func (e *Engine) EndCall(callUUID string) {
	value, ok := e.states.Load(callUUID)
	if !ok {
		return
	}
	state := value.(*State)

	state.mu.Lock()
	hadAlert := state.alert != nil && !state.alert.Dismissed
	orgID := state.OrgID
	state.alert = nil
	state.AlertLevel = SeverityNone
	state.mu.Unlock()

	e.states.Delete(callUUID)

	if hadAlert {
		metrics.RecordAlertResolved()
	}
	if e.broadcaster != nil {
		e.broadcaster.BroadcastToOrg(orgID, "attention_ended", map[string]string{
			"call_uuid": callUUID,
		})
	}
}

func containsStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func cloneAlert(a *Alert) *Alert {
	if a == nil {
		return nil
	}
	copied := *a
	copied.Reasons = append([]Reason(nil), a.Reasons...)
	return &copied
}
