// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package logcore

import (
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

// Sink consumes emitted records. Accept takes ownership of the record and
// must not block the emitting caller indefinitely; batching, rotation,
// remote shipping and multiplexing are the sink's concern. A sink that ships
// logs remotely handles its own backpressure - drop or buffer locally rather
// than stall the emitter.
type Sink interface {
	Accept(record *Record) error
}

// WriterSink writes one JSON object per record to w. Writes are serialized
// under a mutex so records from one goroutine appear in program order.
type WriterSink struct {
	mu   sync.Mutex
	w    io.Writer
	name string
}

// NewWriterSink creates a sink over an arbitrary writer.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{w: w, name: name}
}

// NewStdoutSink returns the default sink: NDJSON on standard output.
func NewStdoutSink() *WriterSink {
	return &WriterSink{w: os.Stdout, name: "stdout"}
}

// Accept serializes the record and writes it followed by a newline.
func (s *WriterSink) Accept(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &SinkError{Sink: s.name, Err: err}
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return &SinkError{Sink: s.name, Err: err}
	}
	return nil
}

// MultiSink fans a record out to several sinks. One failing sink does not
// prevent delivery to the others; the first error is reported.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Accept(record *Record) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Accept(record); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LevelFilterSink forwards only records at or above a minimum severity.
// Useful for split error/http streams.
type LevelFilterSink struct {
	min  Level
	next Sink
}

// NewLevelFilterSink wraps next, dropping records less severe than min.
func NewLevelFilterSink(min Level, next Sink) *LevelFilterSink {
	return &LevelFilterSink{min: min, next: next}
}

func (f *LevelFilterSink) Accept(record *Record) error {
	if record.Level.Rank() > f.min.Rank() {
		return nil
	}
	return f.next.Accept(record)
}

// FuncSink adapts a function to the Sink interface. Handy in tests and for
// small observers.
type FuncSink func(record *Record) error

func (f FuncSink) Accept(record *Record) error {
	return f(record)
}
