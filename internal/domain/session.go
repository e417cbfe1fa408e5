package domain

import (
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type SessionID string

type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

var statusOrder = map[SessionStatus]int{
	StatusScheduled:  0,
	StatusInProgress: 1,
	StatusCompleted:  2,
}

func (s SessionStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanTransition reports whether from -> to is a single forward step.
func CanTransition(from, to SessionStatus) bool {
	f, ok := statusOrder[from]
	if !ok {
		return false
	}
	t, ok := statusOrder[to]
	if !ok {
		return false
	}
	return t == f+1
}

// ConsultationSession is one row of the session store. It is owned by the
// store; this layer reads it and reacts to its changes.
type ConsultationSession struct {
	ID          SessionID     `json:"id"`
	Status      SessionStatus `json:"status"`
	PatientID   ParticipantID `json:"patient_id"`
	PhysicianID ParticipantID `json:"physician_id"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (s *ConsultationSession) Participates(pid ParticipantID) bool {
	return pid != "" && (pid == s.PatientID || pid == s.PhysicianID)
}

func (s *ConsultationSession) RoleOf(pid ParticipantID) (Role, bool) {
	switch pid {
	case "":
		return "", false
	case s.PatientID:
		return RolePatient, true
	case s.PhysicianID:
		return RolePhysician, true
	}
	return "", false
}

// IsStart reports whether prev -> next is the physician starting the call.
func IsStart(prev, next SessionStatus) bool {
	return prev == StatusScheduled && next == StatusInProgress
}
