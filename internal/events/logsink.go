package events

import (
	"github.com/rs/zerolog"
)

// LogSink is a zerolog hook that bridges log records onto the event bus as
// SystemLog events so dashboard clients see them in the live stream.
//
// Attach it only to component loggers, never to the logger the bus itself
// uses, or a publish failure would log and publish again forever.
type LogSink struct {
	bus      *Bus
	minLevel zerolog.Level
}

// NewLogSink creates a log sink forwarding records at or above minLevel.
func NewLogSink(bus *Bus, minLevel zerolog.Level) *LogSink {
	return &LogSink{bus: bus, minLevel: minLevel}
}

// Run implements zerolog.Hook.
func (s *LogSink) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < s.minLevel || level == zerolog.NoLevel || message == "" {
		return
	}
	s.bus.Publish("log", &SystemLogData{
		Level:   level.String(),
		Message: message,
		Source:  "log",
	})
}
