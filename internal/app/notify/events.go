package notify

import (
	"fmt"
	"time"

	"github.com/dkeye/Consult/internal/domain"
)

const (
	EventConsultationStarted = "consultation-started"
	EventPatientJoined       = "patient-joined"
)

type StartedPayload struct {
	StartedBy domain.ParticipantID `json:"startedBy"`
	SessionID domain.SessionID     `json:"sessionId"`
	Timestamp string               `json:"timestamp"`
}

type JoinedPayload struct {
	PatientID domain.ParticipantID `json:"patientId"`
	SessionID domain.SessionID     `json:"sessionId"`
	Timestamp string               `json:"timestamp"`
}

// FormatTimestamp renders t the way every dedup key and payload carries it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// event is one logical notification, whichever path delivered it.
type event interface {
	key() string
}

type statusChanged struct {
	session domain.ConsultationSession
}

func (e statusChanged) key() string {
	return fmt.Sprintf("db_change_%s_%s_%s", e.session.ID, e.session.Status, FormatTimestamp(e.session.UpdatedAt))
}

type startedBroadcast StartedPayload

func (e startedBroadcast) key() string {
	return fmt.Sprintf("broadcast_started_%s_%s", e.SessionID, e.Timestamp)
}

type patientJoined JoinedPayload

func (e patientJoined) key() string {
	return fmt.Sprintf("broadcast_joined_%s_%s", e.PatientID, e.Timestamp)
}

// startedKey latches the logical start across both paths, whose transport
// keys differ for the same start.
func startedKey(id domain.SessionID) string {
	return "consultation_started_" + string(id)
}
