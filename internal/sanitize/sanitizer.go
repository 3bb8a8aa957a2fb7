// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package sanitize redacts personally identifying information from arbitrary
// in-memory values before they leave the process.
//
// The transformer is policy-driven and pure: Sanitize(v) returns a value
// structurally identical to v except that sensitive substrings and the values
// of sensitive-named fields are replaced. Traversal tolerates cycles, deep
// nesting and polymorphic container shapes; every failure mode degrades to an
// inline marker string, never a panic.
//
//	s := sanitize.New(sanitize.NewPolicy(sanitize.ModeProduction))
//	clean := s.Sanitize(map[string]any{"email": "john@example.com"})
package sanitize

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sanitizer applies a masking policy to values. Safe for concurrent use:
// traversals snapshot the policy pointer at entry, and mutators swap the
// whole policy under the write lock.
type Sanitizer struct {
	mu     sync.RWMutex
	policy *Policy
}

// New creates a sanitizer with the given policy. A nil policy gets
// production defaults.
func New(policy *Policy) *Sanitizer {
	if policy == nil {
		policy = NewPolicy(ModeProduction)
	}
	return &Sanitizer{policy: policy}
}

// Policy returns the current policy snapshot.
func (s *Sanitizer) Policy() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy atomically replaces the policy. In-flight traversals keep the
// snapshot they started with.
func (s *Sanitizer) SetPolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("sanitize: nil policy")
	}
	if err := VerifyPolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// SetMaxDepth replaces the traversal depth bound.
func (s *Sanitizer) SetMaxDepth(depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.policy.Clone()
	cp.MaxDepth = depth
	s.policy = cp
}

// AddRule appends a custom rule. Custom rules run after the builtins.
func (s *Sanitizer) AddRule(r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.policy.Clone()
	cp.CustomRules = append(cp.CustomRules, r)
	if err := VerifyPolicy(cp); err != nil {
		return err
	}
	s.policy = cp
	return nil
}

// RemoveRule deletes a custom rule by name. Builtins cannot be removed,
// only disabled via ToggleRule.
func (s *Sanitizer) RemoveRule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.policy.Clone()
	for i, r := range cp.CustomRules {
		if r.Name == name {
			cp.CustomRules = append(cp.CustomRules[:i], cp.CustomRules[i+1:]...)
			s.policy = cp
			return true
		}
	}
	return false
}

// ToggleRule enables or disables a rule (builtin or custom) by name.
func (s *Sanitizer) ToggleRule(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.policy.Clone()
	for i := range cp.BuiltinRules {
		if cp.BuiltinRules[i].Name == name {
			cp.BuiltinRules[i].Enabled = enabled
			s.policy = cp
			return true
		}
	}
	for i := range cp.CustomRules {
		if cp.CustomRules[i].Name == name {
			cp.CustomRules[i].Enabled = enabled
			s.policy = cp
			return true
		}
	}
	return false
}

// Sanitize returns a structurally identical copy of v with sensitive
// substrings and sensitive-field values replaced. With a disabled policy or
// in development mode, Sanitize is the identity function.
func (s *Sanitizer) Sanitize(v any) any {
	p := s.Policy()
	if !p.active() {
		return v
	}
	t := &traversal{policy: p, visited: make(map[uintptr]struct{})}
	return t.walk(v, 0)
}

// SanitizeString applies the string rule sweep alone, without traversal.
func (s *Sanitizer) SanitizeString(in string) string {
	p := s.Policy()
	if !p.active() {
		return in
	}
	return applyRules(p, in)
}

// ContainsPII reports whether any enabled rule matches any reachable string
// in v, or any reachable key name is sensitive. Detection ignores the
// enabled/mode gate: it answers "is PII present", not "would it be masked".
func (s *Sanitizer) ContainsPII(v any) bool {
	p := s.Policy()
	t := &traversal{policy: p, visited: make(map[uintptr]struct{})}
	return t.detect(v, 0)
}

// applyRules runs every enabled rule over the string, builtins then custom,
// left to right; later rules see the output of earlier rules.
func applyRules(p *Policy, in string) string {
	out := in
	for _, r := range p.Rules() {
		if !r.Enabled {
			continue
		}
		out = r.Pattern.ReplaceAllString(out, r.Replacement)
	}
	return out
}

// matchesAnyRule reports whether any enabled rule matches the string.
func matchesAnyRule(p *Policy, in string) bool {
	for _, r := range p.Rules() {
		if !r.Enabled {
			continue
		}
		if r.Pattern.MatchString(in) {
			return true
		}
	}
	return false
}

// traversal is the per-call state: the policy snapshot and the
// identity-keyed visited set of non-primitive nodes on the current path.
// Entries are removed on the way back up, so the set never outlives the
// traversal and sibling references to the same node are not false cycles.
type traversal struct {
	policy  *Policy
	visited map[uintptr]struct{}
}

// walk dispatches on the concrete shape of v. First match wins.
func (t *traversal) walk(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > t.policy.MaxDepth {
		return MarkerMaxDepth
	}

	switch val := v.(type) {
	case string:
		return applyRules(t.policy, val)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, complex64, complex128:
		return v
	case []byte:
		return MarkerBinary
	case time.Time, *time.Time, time.Duration:
		return v
	case *regexp.Regexp:
		return v
	case error:
		return t.walkError(val)
	}

	return t.walkReflect(reflect.ValueOf(v), depth)
}

// walkError renders an error as {name, message} with the message sanitized.
func (t *traversal) walkError(err error) any {
	return map[string]any{
		"name":    fmt.Sprintf("%T", err),
		"message": applyRules(t.policy, err.Error()),
	}
}

// walkReflect handles containers, pointers and structs via reflection.
func (t *traversal) walkReflect(rv reflect.Value, depth int) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = MarkerFieldError
		}
	}()

	switch rv.Kind() {
	case reflect.Invalid:
		return nil

	case reflect.Func:
		return MarkerFunction

	case reflect.Chan:
		return MarkerChannel

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			id := rv.Pointer()
			if _, seen := t.visited[id]; seen {
				return MarkerCircular
			}
			t.visited[id] = struct{}{}
			defer delete(t.visited, id)
		}
		return t.walk(rv.Elem().Interface(), depth)

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		id := rv.Pointer()
		if _, seen := t.visited[id]; seen {
			return MarkerCircular
		}
		t.visited[id] = struct{}{}
		defer delete(t.visited, id)
		return t.walkSequence(rv, depth)

	case reflect.Array:
		return t.walkSequence(rv, depth)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		id := rv.Pointer()
		if _, seen := t.visited[id]; seen {
			return MarkerCircular
		}
		t.visited[id] = struct{}{}
		defer delete(t.visited, id)
		return t.walkMap(rv, depth)

	case reflect.Struct:
		return t.walkStruct(rv, depth)

	case reflect.String:
		return applyRules(t.policy, rv.String())

	default:
		// Remaining scalar kinds (named ints etc.) pass through by value.
		return rv.Interface()
	}
}

// walkSequence recurses per element, preserving order and length.
func (t *traversal) walkSequence(rv reflect.Value, depth int) any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = t.walkElement(rv.Index(i), depth+1)
	}
	return out
}

// walkMap recurses over entries. String keys name fields and pass through
// unchanged (rewriting them would detach field-level masks from their
// fields); non-string keys are rendered and swept like any other value.
func (t *traversal) walkMap(rv reflect.Value, depth int) any {
	out := make(map[string]any, rv.Len())
	stringKeyed := rv.Type().Key().Kind() == reflect.String
	iter := rv.MapRange()
	for iter.Next() {
		key := mapKeyString(iter.Key())
		outKey := key
		if !stringKeyed {
			outKey = applyRules(t.policy, key)
		}

		if t.policy.isSensitiveField(key) {
			out[outKey] = maskFieldValue(iter.Value())
			continue
		}
		out[outKey] = t.walkElement(iter.Value(), depth+1)
	}
	return out
}

// walkStruct enumerates exported fields, applying the sensitive-field mask
// by name and recursing otherwise. Named non-plain types get a __type tag.
func (t *traversal) walkStruct(rv reflect.Value, depth int) any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField()+1)

	if name := rt.Name(); name != "" {
		out["__type"] = name
	}

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		key := fieldKey(field)

		func() {
			defer func() {
				if r := recover(); r != nil {
					out[key] = MarkerFieldError
				}
			}()
			if t.policy.isSensitiveField(key) {
				out[key] = maskFieldValue(rv.Field(i))
				return
			}
			out[key] = t.walkElement(rv.Field(i), depth+1)
		}()
	}
	return out
}

// walkElement unwraps a reflect.Value into any and recurses, converting
// inaccessible values into the per-key error marker.
func (t *traversal) walkElement(rv reflect.Value, depth int) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = MarkerFieldError
		}
	}()
	if !rv.CanInterface() {
		return MarkerFieldError
	}
	return t.walk(rv.Interface(), depth)
}

// fieldKey prefers the json tag name so sanitized output lines up with what
// would have been serialized.
func fieldKey(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	if idx := strings.Index(tag, ","); idx >= 0 {
		tag = tag[:idx]
	}
	if tag == "" {
		return field.Name
	}
	return tag
}

// mapKeyString renders a map key for the output object.
func mapKeyString(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprintf("%v", key.Interface())
}

// maskFieldValue is the field-level mask applied when a key name is
// sensitive, regardless of the value's type or content.
func maskFieldValue(rv reflect.Value) any {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return "***"
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return maskString(rv.String())
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "***"
	case reflect.Invalid:
		return "***"
	default:
		return MarkerMaskedOther
	}
}

// maskString keeps the first and last character of longer values so
// operators can still eyeball-correlate masked fields. Masked output is a
// fixed point: re-masking "s***3" yields "s***3", and the container marker
// passes through, which keeps whole-tree sanitization idempotent.
func maskString(s string) string {
	if s == MarkerMaskedOther {
		return s
	}
	if len(s) <= 3 {
		return "***"
	}
	return s[:1] + "***" + s[len(s)-1:]
}

// detect is the short-circuiting twin of walk used by ContainsPII.
func (t *traversal) detect(v any, depth int) bool {
	if v == nil || depth > t.policy.MaxDepth {
		return false
	}

	switch val := v.(type) {
	case string:
		return matchesAnyRule(t.policy, val)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, complex64, complex128,
		[]byte, time.Time, *time.Time, time.Duration, *regexp.Regexp:
		return false
	case error:
		return matchesAnyRule(t.policy, val.Error())
	}

	return t.detectReflect(reflect.ValueOf(v), depth)
}

func (t *traversal) detectReflect(rv reflect.Value, depth int) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			hit = false
		}
	}()

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return false
		}
		if rv.Kind() == reflect.Pointer {
			id := rv.Pointer()
			if _, seen := t.visited[id]; seen {
				return false
			}
			t.visited[id] = struct{}{}
			defer delete(t.visited, id)
		}
		return t.detect(rv.Elem().Interface(), depth)

	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return false
		}
		id := rv.Pointer()
		if _, seen := t.visited[id]; seen {
			return false
		}
		t.visited[id] = struct{}{}
		defer delete(t.visited, id)
		if rv.Kind() == reflect.Slice {
			return t.detectSequence(rv, depth)
		}
		return t.detectMap(rv, depth)

	case reflect.Array:
		return t.detectSequence(rv, depth)

	case reflect.Struct:
		return t.detectStruct(rv, depth)

	case reflect.String:
		return matchesAnyRule(t.policy, rv.String())

	default:
		return false
	}
}

func (t *traversal) detectSequence(rv reflect.Value, depth int) bool {
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i)
		if el.CanInterface() && t.detect(el.Interface(), depth+1) {
			return true
		}
	}
	return false
}

func (t *traversal) detectMap(rv reflect.Value, depth int) bool {
	iter := rv.MapRange()
	for iter.Next() {
		key := mapKeyString(iter.Key())
		if t.policy.isSensitiveField(key) {
			return true
		}
		if matchesAnyRule(t.policy, key) {
			return true
		}
		val := iter.Value()
		if val.CanInterface() && t.detect(val.Interface(), depth+1) {
			return true
		}
	}
	return false
}

func (t *traversal) detectStruct(rv reflect.Value, depth int) bool {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		key := fieldKey(field)
		if t.policy.isSensitiveField(key) {
			return true
		}
		fv := rv.Field(i)
		if fv.CanInterface() && t.detect(fv.Interface(), depth+1) {
			return true
		}
	}
	return false
}
