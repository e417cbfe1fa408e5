package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// ErrUnauthorized means the server rejected the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// StatusRequest is the body of POST /api/sessions/:id/status.
type StatusRequest struct {
	From domain.SessionStatus `json:"from"`
	To   domain.SessionStatus `json:"to"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := c.api.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %w", method, path, statusError(resp.StatusCode, apiErr.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func statusError(code int, msg string) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return core.ErrSessionNotFound
	case http.StatusConflict:
		if msg == core.ErrSessionExists.Error() {
			return core.ErrSessionExists
		}
		return core.ErrStatusConflict
	case http.StatusUnprocessableEntity:
		return domain.ErrInvalidTransition
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("status %d: %s", code, msg)
}

func (c *Client) Get(ctx context.Context, id domain.SessionID) (*domain.ConsultationSession, error) {
	var sess domain.ConsultationSession
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+string(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) TransitionStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus) (*domain.ConsultationSession, error) {
	var sess domain.ConsultationSession
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+string(id)+"/status", StatusRequest{From: from, To: to}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Me returns the participant the token was issued to.
func (c *Client) Me(ctx context.Context) (*domain.Participant, error) {
	var p domain.Participant
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
