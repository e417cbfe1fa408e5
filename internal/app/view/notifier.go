package view

import (
	"github.com/dkeye/Consult/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogNotifier writes notices to the global logger.
func LogNotifier() core.Notifier {
	return core.NotifierFunc(func(n core.Notice) {
		var ev *zerolog.Event
		switch n.Level {
		case core.NoticeError:
			ev = log.Error()
		case core.NoticeWarning:
			ev = log.Warn()
		default:
			ev = log.Info()
		}
		ev = ev.Str("module", "notice")
		if n.Action != "" {
			ev = ev.Str("action", n.Action)
		}
		ev.Msg(n.Message)
	})
}
