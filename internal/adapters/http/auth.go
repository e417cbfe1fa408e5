package http

import (
	"net/http"
	"strings"

	"github.com/dkeye/Consult/internal/auth"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	participantKey  = "participant"
	sessionTokenKey = "token"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a long-lived id used to
// correlate its connections in the logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(raw)
	}
	// Browsers cannot set headers on a websocket upgrade.
	return c.Query("token")
}

// RequireParticipant authenticates the bearer token (header, token query or
// the one remembered in the cookie session) and stores the participant on
// the context.
func RequireParticipant(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		raw := bearer(c)
		fromSession := false
		if raw == "" {
			raw, _ = sess.Get(sessionTokenKey).(string)
			fromSession = true
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		p, err := a.Parse(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("rejected token")
			if fromSession {
				sess.Delete(sessionTokenKey)
				_ = sess.Save()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !fromSession {
			sess.Set(sessionTokenKey, raw)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(participantKey, *p)
		c.Next()
	}
}

func participantFrom(c *gin.Context) domain.Participant {
	p, _ := c.MustGet(participantKey).(domain.Participant)
	return p
}
