package http

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"salescoach-server/pkg/attention"
	pkgerrors "salescoach-server/pkg/errors"
	"salescoach-server/pkg/session"
)

// CallSummary is the lightweight call-state view served to dashboards
type CallSummary struct {
	CallUUID        string    `json:"call_uuid"`
	OrgID           string    `json:"org_id"`
	AgentName       string    `json:"agent_name"`
	LeadName        string    `json:"lead_name"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Score           float64   `json:"score"`
	Stage           string    `json:"stage"`
	AlertLevel      string    `json:"alert_level"`
	Utterances      int       `json:"utterances"`
}

// handleCalls serves the active calls of an organization
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID := r.URL.Query().Get("org_id")

	var calls []CallSummary
	s.registry.Range(func(sess *session.CallSession) bool {
		if orgID != "" && sess.Meta.OrgID != orgID {
			return true
		}
		summary := CallSummary{
			CallUUID:        sess.Meta.CallUUID,
			OrgID:           sess.Meta.OrgID,
			AgentName:       sess.Meta.AgentName,
			LeadName:        sess.Meta.LeadName,
			StartedAt:       sess.StartedAt,
			DurationSeconds: int(time.Since(sess.StartedAt).Seconds()),
			AlertLevel:      attention.SeverityNone,
			Utterances:      len(sess.TranscriptHistory()),
		}
		if history := sess.CoachingHistory(); len(history) > 0 {
			last := history[len(history)-1]
			summary.Score = last.Score
			summary.Stage = last.Stage
		}
		if alert, err := s.engine.GetAlert(sess.Meta.CallUUID); err == nil {
			summary.AlertLevel = alert.Severity
		}
		calls = append(calls, summary)
		return true
	})

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.Before(calls[j].StartedAt)
	})
	if calls == nil {
		calls = []CallSummary{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleAlerts serves an organization's active alerts, most severe first
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	alerts := s.engine.ActiveAlerts(r.URL.Query().Get("org_id"))
	if alerts == nil {
		alerts = []*attention.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type dismissRequest struct {
	CallUUID  string `json:"call_uuid"`
	ManagerID string `json:"manager_id"`
}

// handleDismiss marks a call's active alert as handled by a manager
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallUUID == "" {
		http.Error(w, "call_uuid required", http.StatusBadRequest)
		return
	}

	if err := s.engine.Dismiss(req.CallUUID, req.ManagerID); err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrCallNotFound) || pkgerrors.Is(err, pkgerrors.ErrAlertNotFound) {
			http.Error(w, "no active alert for call", http.StatusNotFound)
			return
		}
		http.Error(w, "dismiss failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}
