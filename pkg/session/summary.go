package session

import (
	"fmt"
	"strings"
	"time"
)

// CallRecord is the durable summary of a finished call, published to the
// persistence queue and broadcast to the organization's managers
type CallRecord struct {
	CallUUID        string      `json:"call_uuid"`
	OrgID           string      `json:"org_id"`
	AgentID         string      `json:"agent_id"`
	AgentName       string      `json:"agent_name"`
	LeadName        string      `json:"lead_name"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at"`
	DurationSeconds int         `json:"duration_seconds"`
	Transcript      []Utterance `json:"transcript"`

	CoachingCycles int      `json:"coaching_cycles"`
	FinalScore     float64  `json:"final_score"`
	AverageScore   float64  `json:"average_score"`
	MinScore       float64  `json:"min_score"`
	MaxScore       float64  `json:"max_score"`
	FinalStage     string   `json:"final_stage"`
	StageJourney   []string `json:"stage_journey"`
	Summary        string   `json:"summary"`
}

// BuildRecord assembles the finished-call record from a session's state.
// The transcript is interleaved across both roles by timestamp.
func BuildRecord(sess *CallSession) *CallRecord {
	now := time.Now()
	record := &CallRecord{
		CallUUID:        sess.Meta.CallUUID,
		OrgID:           sess.Meta.OrgID,
		AgentID:         sess.Meta.AgentID,
		AgentName:       sess.Meta.AgentName,
		LeadName:        sess.Meta.LeadName,
		StartedAt:       sess.StartedAt,
		EndedAt:         now,
		DurationSeconds: int(now.Sub(sess.StartedAt).Seconds()),
		Transcript:      sess.TranscriptHistory(),
	}

	history := sess.CoachingHistory()
	record.CoachingCycles = len(history)
	if len(history) == 0 {
		record.Summary = summaryText(record)
		return record
	}

	record.MinScore = history[0].Score
	record.MaxScore = history[0].Score
	total := 0.0
	for _, result := range history {
		total += result.Score
		if result.Score < record.MinScore {
			record.MinScore = result.Score
		}
		if result.Score > record.MaxScore {
			record.MaxScore = result.Score
		}
		if n := len(record.StageJourney); n == 0 || record.StageJourney[n-1] != result.Stage {
			record.StageJourney = append(record.StageJourney, result.Stage)
		}
	}
	record.AverageScore = total / float64(len(history))
	last := history[len(history)-1]
	record.FinalScore = last.Score
	record.FinalStage = last.Stage
	record.Summary = summaryText(record)
	return record
}

// summaryText renders a one-paragraph human summary of the call
func summaryText(r *CallRecord) string {
	duration := time.Duration(r.DurationSeconds) * time.Second
	if r.CoachingCycles == 0 {
		return fmt.Sprintf("Call with %s lasted %s with %d transcript lines; no coaching cycles completed.",
			orUnknown(r.LeadName), duration, len(r.Transcript))
	}
	return fmt.Sprintf("Call with %s lasted %s, ending in %s with a score of %.0f (avg %.0f, range %.0f-%.0f). Stage journey: %s.",
		orUnknown(r.LeadName), duration, r.FinalStage, r.FinalScore,
		r.AverageScore, r.MinScore, r.MaxScore, strings.Join(r.StageJourney, " > "))
}

func orUnknown(name string) string {
	if name == "" {
		return "unknown lead"
	}
	return name
}
