package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity passed to a Sink.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", l)
	}
}

// Fields carries structured key/value data alongside a log message.
type Fields map[string]any

// Sink receives log events from components that must not reach for a global logger.
// Implementations must be safe for concurrent use and must not block.
type Sink interface {
	Emit(level Level, message string, fields Fields)
}

// ZerologSink writes events through a zerolog.Logger.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink wraps the given logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

// Emit implements Sink.
func (s *ZerologSink) Emit(level Level, message string, fields Fields) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = s.logger.Debug()
	case LevelWarn:
		ev = s.logger.Warn()
	case LevelError:
		ev = s.logger.Error()
	default:
		ev = s.logger.Info()
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(message)
}

// Entry is one event delivered on a ChannelSink.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
	Fields  Fields
}

// String renders the entry as a single progress line.
func (e Entry) String() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

// ChannelSink publishes events on a bounded channel. When the channel is
// full the event is dropped and counted.
type ChannelSink struct {
	ch      chan Entry
	dropped atomic.Uint64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan Entry, size)}
}

// Emit implements Sink.
func (s *ChannelSink) Emit(level Level, message string, fields Fields) {
	select {
	case s.ch <- Entry{Time: time.Now(), Level: level, Message: message, Fields: fields}:
	default:
		s.dropped.Add(1)
	}
}

// Entries returns the receive side of the channel.
func (s *ChannelSink) Entries() <-chan Entry {
	return s.ch
}

// Dropped returns how many events were discarded because the channel was full.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

type multiSink []Sink

// Multi fans a single event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(level Level, message string, fields Fields) {
	for _, s := range m {
		s.Emit(level, message, fields)
	}
}

// Nop returns a Sink that discards everything.
func Nop() Sink {
	return multiSink(nil)
}
