// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package logcore

import (
	"errors"
	"fmt"
)

// ErrPolicyViolation is the sentinel matched by errors.Is for strict-mode
// emit failures.
var ErrPolicyViolation = errors.New("policy violation: metadata contains PII")

// PolicyViolationError is returned by Emit when the policy's strict mode is
// on and the merged metadata contains PII. The sink is not called; the caller
// recovers by removing or pre-masking the offending fields.
type PolicyViolationError struct {
	Level   Level
	Message string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("emit %q at level %s rejected: metadata contains PII", e.Message, e.Level)
}

// Is makes errors.Is(err, ErrPolicyViolation) work.
func (e *PolicyViolationError) Is(target error) bool {
	return target == ErrPolicyViolation
}

// SinkError wraps a failure inside a sink implementation. The logger core
// catches sink errors, redirects the record to the stderr fallback and
// swallows them; they never reach the emitting caller.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
