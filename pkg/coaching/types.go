package coaching

import "time"

// Result severity levels derived from the overall score. These drive display
// emphasis only; the attention engine computes its own alert severity from
// richer criteria.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Buying signal levels reported by the inference provider
const (
	BuyingSignalNone   = "none"
	BuyingSignalWeak   = "weak"
	BuyingSignalMedium = "medium"
	BuyingSignalStrong = "strong"
)

// Emotional tone readings
const (
	ToneNegative = "negative"
	ToneNeutral  = "neutral"
	ToneWarming  = "warming"
	TonePositive = "positive"
)

// Breakdown holds the four sub-scores of a coaching result
type Breakdown struct {
	Discovery         int `json:"discovery"`
	ObjectionHandling int `json:"objection_handling"`
	Closing           int `json:"closing"`
	Rapport           int `json:"rapport"`
}

// BattleCard is a pre-packaged counter-response suggested when a competitor
// or known objection is detected
type BattleCard struct {
	Triggered bool     `json:"triggered"`
	Type      string   `json:"type"`
	Term      string   `json:"term"`
	Response  string   `json:"response"`
	Tips      []string `json:"tips"`
}

// PainSignal is a detected customer pain point
type PainSignal struct {
	Text     string `json:"text"`
	Severity string `json:"severity"` // low, medium, high
}

// ObjectionSignal is a detected objection and whether the agent handled it
type ObjectionSignal struct {
	Text    string `json:"text"`
	Handled bool   `json:"handled"`
}

// TextSignal is a plain detected signal (gaps, vision)
type TextSignal struct {
	Text string `json:"text"`
}

// Signals groups the four signal lists of a coaching result
type Signals struct {
	Pains      []PainSignal      `json:"pains"`
	Objections []ObjectionSignal `json:"objections"`
	Gaps       []TextSignal      `json:"gaps"`
	Vision     []TextSignal      `json:"vision"`
}

// Result is one coaching analysis. Immutable once produced.
type Result struct {
	Stage          string     `json:"stage"`
	Score          float64    `json:"score"`
	Breakdown      Breakdown  `json:"breakdown"`
	Advice         string     `json:"advice"`
	SuggestedReply string     `json:"suggested_reply"`
	NextActions    []string   `json:"next_actions"`
	BattleCard     BattleCard `json:"battle_card"`
	Signals        Signals    `json:"signals"`
	BuyingSignal   string     `json:"buying_signal"`
	EmotionalTone  string     `json:"emotional_tone"`

	// Severity is derived from Score on receipt, never sent by the provider
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is one utterance of conversation context sent to the provider
type Turn struct {
	Role      string    `json:"role"` // agent or customer
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Weights are the organization's coaching emphasis weights, 0-100 each
type Weights struct {
	Discovery  int `json:"discovery"`
	Objections int `json:"objections"`
	Closing    int `json:"closing"`
}

// OrgConfig is the organization configuration consumed by coaching cycles
type OrgConfig struct {
	Stages            []string `json:"stages"`
	Weights           Weights  `json:"weights"`
	KnowledgeSnippets []string `json:"knowledge_snippets"`
}

// DefaultStages is the built-in sales-stage taxonomy used when an
// organization has not configured its own
func DefaultStages() []string {
	return []string{
		"discovery",
		"qualification",
		"demonstration",
		"objection_handling",
		"negotiation",
		"closing",
	}
}

// DefaultWeights is the fixed baseline for coaching emphasis
func DefaultWeights() Weights {
	return Weights{Discovery: 50, Objections: 50, Closing: 50}
}

// DefaultOrgConfig returns the configuration used for organizations without
// stored settings, and as the fallback when the config service is down
func DefaultOrgConfig() *OrgConfig {
	return &OrgConfig{
		Stages:  DefaultStages(),
		Weights: DefaultWeights(),
	}
}

// EarlyStages returns the two earliest stages of a taxonomy
func EarlyStages(stages []string) []string {
	if len(stages) <= 2 {
		return stages
	}
	return stages[:2]
}

// ClosingStages returns the two latest (closing-adjacent) stages
func ClosingStages(stages []string) []string {
	if len(stages) <= 2 {
		return stages
	}
	return stages[len(stages)-2:]
}

// DeriveSeverity maps an overall score to a display severity
func DeriveSeverity(score float64) string {
	switch {
	case score < 50:
		return SeverityCritical
	case score < 70:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
