package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives the records of one delivery or one poll cycle as a group,
// in order. An empty group is never emitted.
type Sink interface {
	Emit(ctx context.Context, records []Record) error
}

// LogSink writes every record as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, records []Record) error {
	for _, r := range records {
		s.logger.Info().
			Str("instance", r.Instance).
			Str("kind", string(r.Kind)).
			Str("received_via", string(r.ReceivedVia)).
			Time("source_timestamp", r.SourceTimestamp).
			Str("dedupe_key", r.DedupeKey()).
			RawJSON("payload", r.Payload).
			Msg("change")
	}
	return nil
}

// WriterSink writes records as JSON lines.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Emit(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if err := s.enc.Encode(r); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	return nil
}

// Fanout emits every group to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted groups in memory.
type Recorder struct {
	mu     sync.Mutex
	groups [][]Record
}

func (r *Recorder) Emit(_ context.Context, records []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, append([]Record(nil), records...))
	return nil
}

// Groups returns a copy of every group emitted so far.
func (r *Recorder) Groups() [][]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]Record, len(r.groups))
	copy(out, r.groups)
	return out
}

// Records flattens all groups in emission order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, g := range r.groups {
		out = append(out, g...)
	}
	return out
}
