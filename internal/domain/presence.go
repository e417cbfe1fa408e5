package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline         PresenceStatus = "online"
	PresenceInConsultation PresenceStatus = "in_consultation"
	PresenceOffline        PresenceStatus = "offline"
)

// PresenceRecord represents participant's presence on one channel.
// Each client publishes only its own record.
type PresenceRecord struct {
	ParticipantID ParticipantID  `json:"participant_id"`
	Status        PresenceStatus `json:"status"`
	LastSeen      time.Time      `json:"last_seen"`
	SessionID     SessionID      `json:"session_id,omitempty"`
}

// NewPresenceRecord avoids raw literals in adapters and keeps construction obvious.
func NewPresenceRecord(pid ParticipantID, status PresenceStatus, sid SessionID) PresenceRecord {
	return PresenceRecord{
		ParticipantID: pid,
		Status:        status,
		LastSeen:      time.Now().UTC(),
		SessionID:     sid,
	}
}
