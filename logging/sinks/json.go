package sinks

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"replicanet/server/logging"
)

// JSON emits newline-delimited structured events through zerolog.
type JSON struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NewJSON constructs a JSON sink writing to w.
func NewJSON(w io.Writer) *JSON {
	if w == nil {
		w = io.Discard
	}
	return &JSON{logger: zerolog.New(w)}
}

// NewJSONFile constructs a JSON sink that owns wc and closes it with the sink.
func NewJSONFile(wc io.WriteCloser) *JSON {
	sink := NewJSON(wc)
	sink.closer = wc
	return sink
}

// Write satisfies logging.Sink.
func (s *JSON) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.logger.WithLevel(zerologLevel(event.Severity)).
		Str("type", string(event.Type)).
		Uint64("tick", event.Tick).
		Time("time", event.Time).
		Str("category", event.Category).
		Str("actor", formatEntity(event.Actor))
	if len(event.Targets) > 0 {
		targets := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			targets = append(targets, formatEntity(target))
		}
		entry = entry.Strs("targets", targets)
	}
	if event.Payload != nil {
		entry = entry.Interface("payload", event.Payload)
	}
	if len(event.Extra) > 0 {
		entry = entry.Fields(event.Extra)
	}
	if event.TraceID != "" {
		entry = entry.Str("traceId", event.TraceID)
	}
	entry.Send()
	return nil
}

// Close releases the underlying writer when the sink owns it.
func (s *JSON) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
