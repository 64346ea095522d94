package events

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink is the append-only audit surface. Emitting never fails from the
// caller's point of view: a broken sink must not abort the operation being
// logged.
type Sink struct {
	logger zerolog.Logger
}

// NewSink returns a sink writing through the global zerolog logger.
func NewSink() *Sink {
	return &Sink{logger: log.With().Str("component", "audit").Logger()}
}

// Emit writes a structured audit event at the given level.
func (s *Sink) Emit(level string, message string, payload map[string]interface{}) {
	var event *zerolog.Event
	switch level {
	case "debug":
		event = s.logger.Debug()
	case "warn":
		event = s.logger.Warn()
	case "error":
		event = s.logger.Error()
	default:
		event = s.logger.Info()
	}
	event.Fields(payload).Msg(message)
}

// Info emits an informational audit event.
func (s *Sink) Info(message string, payload map[string]interface{}) {
	s.Emit("info", message, payload)
}

// Warn emits a warning audit event.
func (s *Sink) Warn(message string, payload map[string]interface{}) {
	s.Emit("warn", message, payload)
}

// Error emits an error audit event.
func (s *Sink) Error(message string, payload map[string]interface{}) {
	s.Emit("error", message, payload)
}
