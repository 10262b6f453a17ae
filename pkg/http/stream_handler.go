package http

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/websocket"

	"salescoach-server/pkg/roles"
	"salescoach-server/pkg/session"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamEvent is one message on the media ingestion socket. The outer
// transport sends a start signal, a stream of track-tagged audio packets,
// and a stop signal.
type streamEvent struct {
	Event string `json:"event"` // start, media, stop

	CallUUID    string `json:"call_uuid,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	AgentName   string `json:"agent_name,omitempty"`
	LeadName    string `json:"lead_name,omitempty"`
	LeadContext string `json:"lead_context,omitempty"`

	Track   string `json:"track,omitempty"`
	Payload string `json:"payload,omitempty"` // base64 audio
}

// handleStream serves one call's media stream. The connection is scoped to
// a single call; a drop without a stop signal still ends the call so its
// resources are reclaimed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade media stream connection")
		return
	}
	defer conn.Close()

	var callUUID string
	stopped := false
	defer func() {
		if callUUID != "" && !stopped {
			s.logger.WithField("call_uuid", callUUID).Warn("Media stream dropped without stop signal, ending call")
			s.orchestrator.HandleStreamStop(callUUID)
		}
	}()

	for {
		var event streamEvent
		if err := conn.ReadJSON(&event); err != nil {
			return
		}

		switch event.Event {
		case "start":
			sess := s.orchestrator.HandleStreamStart(session.Meta{
				CallUUID:    event.CallUUID,
				OrgID:       event.OrgID,
				AgentID:     event.AgentID,
				AgentName:   event.AgentName,
				LeadName:    event.LeadName,
				LeadContext: event.LeadContext,
			})
			callUUID = sess.Meta.CallUUID

		case "media":
			target := event.CallUUID
			if target == "" {
				target = callUUID
			}
			if target == "" {
				s.logger.Warn("Media packet before start signal, dropping")
				continue
			}
			data, err := base64.StdEncoding.DecodeString(event.Payload)
			if err != nil {
				s.logger.WithError(err).WithField("call_uuid", target).Warn("Undecodable media payload, dropping")
				continue
			}
			if err := s.orchestrator.HandleAudioPacket(target, roles.Track(event.Track), data); err != nil {
				s.logger.WithError(err).WithField("call_uuid", target).Warn("Failed to route audio packet")
			}

		case "stop":
			target := event.CallUUID
			if target == "" {
				target = callUUID
			}
			if target != "" {
				if _, err := s.orchestrator.HandleStreamStop(target); err != nil {
					s.logger.WithError(err).WithField("call_uuid", target).Debug("Stop for inactive call")
				}
				stopped = true
			}

		default:
			s.logger.WithField("event", event.Event).Warn("Unknown stream event")
		}
	}
}
