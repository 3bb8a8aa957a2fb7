// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package logcore

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
)

// Level is a log severity. Ordering (most to least severe):
// error > warn > info > http > debug > verbose.
type Level string

const (
	LevelError   Level = "error"
	LevelWarn    Level = "warn"
	LevelInfo    Level = "info"
	LevelHTTP    Level = "http"
	LevelDebug   Level = "debug"
	LevelVerbose Level = "verbose"
)

// levelRank orders levels for filtering; lower rank is more severe.
var levelRank = map[Level]int{
	LevelError:   0,
	LevelWarn:    1,
	LevelInfo:    2,
	LevelHTTP:    3,
	LevelDebug:   4,
	LevelVerbose: 5,
}

// Rank returns the severity rank; unknown levels sort least severe.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return len(levelRank)
}

// Valid reports whether l is one of the six defined levels.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Record is one structured log record. It is created per emit, handed once
// to the sink, and not retained by the core. Metadata values are already
// sanitized by the time a sink sees them.
type Record struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Context   string
	Trace     string
	Metadata  map[string]any
}

// MarshalJSON writes the canonical serialization: keys in the order
// timestamp, level, message, context?, trace?, metadata?, no trailing
// whitespace. Sinks emit one record per line (NDJSON).
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"timestamp":`)
	ts, err := json.Marshal(r.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	buf.Write(ts)

	buf.WriteString(`,"level":`)
	lv, err := json.Marshal(string(r.Level))
	if err != nil {
		return nil, err
	}
	buf.Write(lv)

	buf.WriteString(`,"message":`)
	msg, err := json.Marshal(r.Message)
	if err != nil {
		return nil, err
	}
	buf.Write(msg)

	if r.Context != "" {
		buf.WriteString(`,"context":`)
		c, err := json.Marshal(r.Context)
		if err != nil {
			return nil, err
		}
		buf.Write(c)
	}

	if r.Trace != "" {
		buf.WriteString(`,"trace":`)
		tr, err := json.Marshal(r.Trace)
		if err != nil {
			return nil, err
		}
		buf.Write(tr)
	}

	if len(r.Metadata) > 0 {
		buf.WriteString(`,"metadata":`)
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, err
		}
		buf.Write(md)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
