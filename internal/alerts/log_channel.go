package alerts

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogChannel writes alerts to the structured log. Always configured, so an
// alert is never silently lost even with no external channel set up.
type LogChannel struct {
	log zerolog.Logger
}

// NewLogChannel creates the log-backed channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{log: log.With().Str("channel", "log").Logger()}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, evt Event) error {
	ev := c.log.Info()
	switch evt.Severity {
	case SeverityWarning:
		ev = c.log.Warn()
	case SeverityCritical:
		ev = c.log.Error()
	}
	for k, v := range evt.Fields {
		ev = ev.Str(k, v)
	}
	ev.Str("source", evt.Source).Msg(evt.Message)
	return nil
}
