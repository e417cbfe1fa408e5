package core

import (
	"context"
	"errors"

	"github.com/dkeye/Consult/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStatusConflict  = errors.New("session status changed concurrently")
	ErrSessionExists   = errors.New("session already exists")
)

// SessionChange is one update event from the change feed.
type SessionChange struct {
	Old domain.ConsultationSession `json:"old"`
	New domain.ConsultationSession `json:"new"`
}

// SessionFilter scopes a change-feed subscription. SessionID wins when both
// are set; an empty filter matches nothing.
type SessionFilter struct {
	SessionID     domain.SessionID
	ParticipantID domain.ParticipantID
}

func (f SessionFilter) Match(s domain.ConsultationSession) bool {
	if f.SessionID != "" {
		return s.ID == f.SessionID
	}
	if f.ParticipantID != "" {
		return s.Participates(f.ParticipantID)
	}
	return false
}

// Subscription is a live change-feed attachment. Close must be idempotent.
type Subscription interface {
	Close() error
}

// SessionStore is the boundary with the hosted relational store holding one
// row per consultation.
type SessionStore interface {
	Get(ctx context.Context, id domain.SessionID) (*domain.ConsultationSession, error)
	SubscribeChanges(ctx context.Context, filter SessionFilter, handler func(SessionChange)) (Subscription, error)
	// TransitionStatus moves the row from -> to only if its current status
	// is from; otherwise it fails with ErrStatusConflict.
	TransitionStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus) (*domain.ConsultationSession, error)
}

// SessionRepository is the server-side store: SessionStore plus row creation.
type SessionRepository interface {
	SessionStore
	// Create inserts a new row; a duplicate id fails with ErrSessionExists.
	Create(ctx context.Context, sess domain.ConsultationSession) error
}
