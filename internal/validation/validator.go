// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package validation provides struct validation using go-playground/validator
// v10 behind a thread-safe singleton, plus the IP-text validation used by the
// tracker's admin operations.
//
//	type BlockRequest struct {
//	    IP     string `validate:"required,ip"`
//	    Reason string `validate:"max=256"`
//	}
//
//	if err := validation.ValidateStruct(&req); err != nil { ... }
package validation

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// singleton validator instance; validator caches struct metadata, so one
// shared instance is both safe and faster.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ErrInvalidIP is returned for syntactically invalid IP text.
var ErrInvalidIP = errors.New("invalid IP address")

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError is one field validation failure.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

func (e FieldError) Error() string {
	return e.Message
}

// StructError aggregates field validation failures for one struct.
type StructError struct {
	Fields []FieldError
}

func (e *StructError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// ValidateStruct validates a struct against its `validate` tags.
// Returns nil or a *StructError.
func ValidateStruct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return &StructError{Fields: []FieldError{{Message: invalid.Error()}}}
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &StructError{Fields: []FieldError{{Message: err.Error()}}}
	}

	out := &StructError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: fmt.Sprintf("field %s failed on %q", fe.Field(), fe.Tag()),
		})
	}
	return out
}

// ValidateIP checks that s parses as an IPv4 or IPv6 address.
// Returns nil or an error wrapping ErrInvalidIP.
func ValidateIP(s string) error {
	if s == "" || net.ParseIP(s) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return nil
}
