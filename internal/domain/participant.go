// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 64
	DefaultDisplayName  = "Patient"
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrUnknownRole          = errors.New("unknown role")
)

type ParticipantID string

type Role string

const (
	RolePatient   Role = "patient"
	RolePhysician Role = "physician"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RolePhysician:
		return r, nil
	default:
		return "", ErrUnknownRole
	}
}

// Profile carries the name fields shown to the other side of a call.
type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName joins the name fields, or returns fallback when both are blank.
func (p Profile) DisplayName(fallback string) string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return fallback
	}
	return name
}

type Participant struct {
	ID      ParticipantID `json:"id"`
	Role    Role          `json:"role"`
	Profile Profile       `json:"profile"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id string, role Role, profile Profile) (*Participant, error) {
	if len(id) == 0 {
		return nil, ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	if role != RolePatient && role != RolePhysician {
		return nil, ErrUnknownRole
	}
	return &Participant{ID: ParticipantID(id), Role: role, Profile: profile}, nil
}

func (p *Participant) IsPatient() bool   { return p.Role == RolePatient }
func (p *Participant) IsPhysician() bool { return p.Role == RolePhysician }
