package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Consult/internal/adapters/realtime"
	"github.com/dkeye/Consult/internal/adapters/rtc"
	"github.com/dkeye/Consult/internal/app/view"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/domain"
)

const statusEvery = 5 * time.Second

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Attend a consultation as a headless participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, _ := cmd.Flags().GetString("session")
			token, _ := cmd.Flags().GetString("token")
			server, _ := cmd.Flags().GetString("server")
			start, _ := cmd.Flags().GetBool("start")
			join, _ := cmd.Flags().GetBool("join")
			if token == "" {
				token = os.Getenv("CONSULT_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a token is required (--token or CONSULT_TOKEN)")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if server == "" {
				server = cfg.ServerURL
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runJoin(ctx, cfg, server, token, domain.SessionID(sid), start, join)
		},
	}
	cmd.Flags().String("session", "", "Consultation session id")
	cmd.Flags().String("token", "", "Participant bearer token")
	cmd.Flags().String("server", "", "Server URL (defaults to server_url)")
	cmd.Flags().Bool("start", false, "Start the consultation (physician only)")
	cmd.Flags().Bool("join", true, "Take the manual join action whenever it is offered (patient only)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func timingFrom(t config.Timing) view.Timing {
	return view.Timing{
		StartDebounce:        t.StartDebounce,
		AutoJoinDelay:        t.AutoJoinDelay,
		SampleInterval:       t.SampleInterval,
		ReconnectDelay:       t.ReconnectDelay,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
	}
}

// manualJoiner is the manual join surface of a session view.
type manualJoiner interface {
	ManualJoinAvailable() bool
	JoinNow(ctx context.Context) error
}

var _ manualJoiner = (*view.SessionView)(nil)

// retryJoin takes the manual join action if it is on offer and reports
// whether it tried.
func retryJoin(ctx context.Context, v manualJoiner, logger zerolog.Logger) bool {
	if !v.ManualJoinAvailable() {
		return false
	}
	if err := v.JoinNow(ctx); err != nil {
		logger.Warn().Err(err).Msg("manual join failed")
		return true
	}
	logger.Info().Msg("joined manually")
	return true
}

func runJoin(ctx context.Context, cfg *config.Config, server, token string, sid domain.SessionID, start, join bool) error {
	client, err := realtime.Dial(ctx, server, token)
	if err != nil {
		return err
	}
	defer client.Close()

	me, err := client.Me(ctx)
	if err != nil {
		return err
	}
	logger := log.With().Str("module", "join").Str("participant", string(me.ID)).Str("session", string(sid)).Logger()

	v := view.New(*me, sid, view.Deps{
		Store:    client,
		Bus:      client,
		Calls:    rtc.NewFactory(rtc.ConfigFor(cfg.ICEServers), string(me.ID)),
		Notifier: view.LogNotifier(),
	}, timingFrom(cfg.Timing))
	defer v.Close(context.Background())

	sess, err := v.Open(ctx)
	if err != nil {
		return err
	}
	logger.Info().Str("status", string(sess.Status)).Str("role", string(me.Role)).Msg("session opened")

	if start {
		if err := v.StartConsultation(ctx); err != nil {
			return err
		}
	}
	if join {
		retryJoin(ctx, v, logger)
	}

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("leaving")
			return nil
		case <-client.Done():
			return fmt.Errorf("connection to %s lost", server)
		case <-ticker.C:
			if join {
				retryJoin(ctx, v, logger)
			}
			q := v.Quality()
			logger.Info().
				Str("status", string(v.Session().Status)).
				Str("join", string(v.JoinState())).
				Str("quality", string(q.Level)).
				Float64("latency_ms", q.LatencyMs).
				Float64("loss_pct", q.PacketLossPct).
				Int("online", len(v.Presence())).
				Bool("manual_join", v.ManualJoinAvailable()).
				Msg("status")
		}
	}
}
