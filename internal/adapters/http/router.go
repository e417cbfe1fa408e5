package http

import (
	"context"

	"github.com/dkeye/Consult/internal/adapters/realtime"
	"github.com/dkeye/Consult/internal/auth"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Store core.SessionRepository
	Bus   core.EventBus
	Hub   *realtime.Hub
	Auth  *auth.Authenticator
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions("ConsultSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{deps: deps}
	api := r.Group("/api")
	api.GET("/health", h.health)

	authed := api.Group("", RequireParticipant(deps.Auth))
	authed.GET("/me", h.me)
	authed.POST("/sessions", h.createSession)
	authed.GET("/sessions/:id", h.getSession)
	authed.POST("/sessions/:id/status", h.transition)
	authed.POST("/sessions/:id/start", h.start)

	authed.GET("/ws/realtime", func(c *gin.Context) {
		p := participantFrom(c)
		log.Info().Str("module", "adapters.http").Str("participant", string(p.ID)).Str("ct", c.GetString("client_token")).Msg("ws realtime endpoint hit")
		if err := deps.Hub.Serve(ctx, c.Writer, c.Request, p.ID, c.GetString("client_token")); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		}
	})

	return r
}
