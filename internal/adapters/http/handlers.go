package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Consult/internal/adapters/realtime"
	"github.com/dkeye/Consult/internal/app/notify"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const announceTimeout = 5 * time.Second

var errForbidden = realtime.ErrForbidden

// statusOf maps errors to a status and the public message.
var statusOf = []struct {
	err    error
	status int
}{
	{core.ErrSessionNotFound, http.StatusNotFound},
	{core.ErrSessionExists, http.StatusConflict},
	{core.ErrStatusConflict, http.StatusConflict},
	{domain.ErrInvalidTransition, http.StatusUnprocessableEntity},
	{errForbidden, http.StatusForbidden},
}

func writeError(c *gin.Context, err error) {
	for _, s := range statusOf {
		if errors.Is(err, s.err) {
			c.JSON(s.status, gin.H{"error": s.err.Error()})
			return
		}
	}
	log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.deps.Hub.Active()})
}

func (h *handlers) me(c *gin.Context) {
	c.JSON(http.StatusOK, participantFrom(c))
}

// sessionFor loads the session and checks the caller takes part in it.
func (h *handlers) sessionFor(c *gin.Context) (*domain.ConsultationSession, domain.Participant, error) {
	p := participantFrom(c)
	sess, err := h.deps.Store.Get(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		return nil, p, err
	}
	if !sess.Participates(p.ID) {
		return nil, p, errForbidden
	}
	return sess, p, nil
}

func (h *handlers) getSession(c *gin.Context) {
	sess, _, err := h.sessionFor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type createRequest struct {
	ID        domain.SessionID     `json:"id"`
	PatientID domain.ParticipantID `json:"patient_id" binding:"required"`
}

// createSession schedules a consultation hosted by the calling physician.
func (h *handlers) createSession(c *gin.Context) {
	p := participantFrom(c)
	if !p.IsPhysician() {
		writeError(c, errForbidden)
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid patient_id"})
		return
	}
	if req.ID == "" {
		req.ID = domain.SessionID(uuid.NewString())
	}
	sess := domain.ConsultationSession{
		ID:          req.ID,
		Status:      domain.StatusScheduled,
		PatientID:   req.PatientID,
		PhysicianID: p.ID,
	}
	if err := h.deps.Store.Create(c.Request.Context(), sess); err != nil {
		writeError(c, err)
		return
	}
	created, err := h.deps.Store.Get(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(sess.ID)).Str("physician", string(p.ID)).Msg("session created")
	c.JSON(http.StatusCreated, created)
}

func (h *handlers) transitionAs(c *gin.Context, from, to domain.SessionStatus) (*domain.ConsultationSession, error) {
	sess, p, err := h.sessionFor(c)
	if err != nil {
		return nil, err
	}
	if sess.PhysicianID != p.ID {
		return nil, errForbidden
	}
	return h.deps.Store.TransitionStatus(c.Request.Context(), sess.ID, from, to)
}

func (h *handlers) transition(c *gin.Context) {
	var req realtime.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.From.Valid() || !req.To.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid status"})
		return
	}
	next, err := h.transitionAs(c, req.From, req.To)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// start moves the session to in_progress and announces it on the broadcast
// path for clients that are not watching the change feed.
func (h *handlers) start(c *gin.Context) {
	next, err := h.transitionAs(c, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.announceStarted(next); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("session", string(next.ID)).Msg("start broadcast failed")
	}
	c.JSON(http.StatusOK, next)
}

func (h *handlers) announceStarted(sess *domain.ConsultationSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	ch, err := h.deps.Bus.JoinBroadcast(ctx, core.BroadcastTopic(sess.ID), func(core.Message) {})
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.Send(ctx, notify.EventConsultationStarted, notify.StartedPayload{
		StartedBy: sess.PhysicianID,
		SessionID: sess.ID,
		Timestamp: notify.FormatTimestamp(sess.UpdatedAt),
	})
}
