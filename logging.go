package dualauth

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger writing to w (stdout when nil). Production
// defaults to info, everything else to debug, unless level names one.
func NewLogger(env, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	lvl := zerolog.DebugLevel
	if env == "production" {
		lvl = zerolog.InfoLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "dualauth").Logger()
}

// logFlowError logs a failed step at a level matching its kind. Security
// relevant kinds are warnings so they stand out; cancellations are routine.
func logFlowError(logger zerolog.Logger, protocol Protocol, err error) {
	e := AsError(err)

	var ev *zerolog.Event
	switch {
	case isSecurityRelevant(e.Kind):
		ev = logger.Warn().Bool("security", true)
	case e.Kind == KindUserCancelled:
		ev = logger.Info()
	case e.Kind == KindInternal || e.Kind == KindProviderUnavailable:
		ev = logger.Error()
	default:
		ev = logger.Warn()
	}

	ev = ev.Str("protocol", string(protocol)).Str("kind", string(e.Kind))
	if e.Err != nil {
		ev = ev.AnErr("cause", e.Err)
	}
	ev.Msg("auth flow failed")
}
