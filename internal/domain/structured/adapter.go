// Package structured turns structured questionnaire answers into clinical
// resources. Each structured type has an adapter that checks the answer's
// fields and writes the resource through a ResourceWriter.
package structured

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownType       = errors.New("unknown structured type")
	ErrInvalidValue      = errors.New("invalid structured value")
	ErrWriterRejected    = errors.New("clinical api rejected the resource")
	ErrWriterUnavailable = errors.New("clinical api unavailable")
)

const (
	SubjectPatient   = "patient"
	SubjectEncounter = "encounter"
)

// Subject is the patient a structured answer is recorded for, with the
// encounter when the questionnaire is filled within one.
type Subject struct {
	Type        string
	ID          string
	EncounterID string
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ResourceRef points at a created clinical resource, e.g.
// "allergy_intolerance/6f1c...".
type ResourceRef string

type Adapter interface {
	Type() string
	Validate(subject Subject, value map[string]interface{}) []FieldError
	Submit(ctx context.Context, subject Subject, value map[string]interface{}) (ResourceRef, error)
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindCoding
	kindDateTime
	kindEnum
	kindNumber
)

type fieldRule struct {
	path     string
	kind     fieldKind
	required bool
	enum     map[string]bool
}

// ordering requires the time at before to not be later than the time at
// after when both are present.
type ordering struct {
	before, after string
}

// resourceAdapter is a table-driven Adapter.
type resourceAdapter struct {
	typ            string
	resource       string
	needsEncounter bool
	rules          []fieldRule
	orderings      []ordering
	defaults       map[string]string
	writer         ResourceWriter
}

func (a *resourceAdapter) Type() string { return a.typ }

func (a *resourceAdapter) Validate(subject Subject, value map[string]interface{}) []FieldError {
	var errs []FieldError
	if subject.ID == "" {
		errs = append(errs, FieldError{Message: "subject is required"})
	}
	if a.needsEncounter && subject.EncounterID == "" {
		errs = append(errs, FieldError{Message: a.typ + " needs an encounter"})
	}
	if value == nil {
		return append(errs, FieldError{Message: "value must be an object"})
	}
	for _, r := range a.rules {
		if msg := r.check(value); msg != "" {
			errs = append(errs, FieldError{Field: r.path, Message: msg})
		}
	}
	for _, o := range a.orderings {
		b, okB := parseTime(lookup(value, o.before))
		e, okE := parseTime(lookup(value, o.after))
		if okB && okE && e.Before(b) {
			errs = append(errs, FieldError{Field: o.after, Message: "must not be before " + o.before})
		}
	}
	return errs
}

func (a *resourceAdapter) Submit(ctx context.Context, subject Subject, value map[string]interface{}) (ResourceRef, error) {
	if errs := a.Validate(subject, value); len(errs) > 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidValue, joinErrors(errs))
	}
	body := make(map[string]interface{}, len(value)+len(a.defaults)+2)
	for k, v := range a.defaults {
		body[k] = v
	}
	for k, v := range value {
		body[k] = v
	}
	body["patient"] = subject.ID
	if subject.EncounterID != "" {
		body["encounter"] = subject.EncounterID
	}

	id, err := a.writer.Create(ctx, a.resource, body)
	if err != nil {
		return "", err
	}
	return ResourceRef(a.resource + "/" + id), nil
}

func (r fieldRule) check(value map[string]interface{}) string {
	v := lookup(value, r.path)
	if isBlank(v) {
		if r.required {
			return "is required"
		}
		return ""
	}
	switch r.kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case kindCoding:
		if codingCode(v) == "" {
			return "must be a code or a coding with code"
		}
	case kindDateTime:
		if _, ok := parseTime(v); !ok {
			return "must be an RFC 3339 date-time or a YYYY-MM-DD date"
		}
	case kindEnum:
		s, _ := v.(string)
		if !r.enum[s] {
			return fmt.Sprintf("must be one of %s", strings.Join(enumValues(r.enum), ", "))
		}
	case kindNumber:
		if _, ok := v.(float64); !ok {
			if _, ok := v.(int); !ok {
				return "must be a number"
			}
		}
	}
	return ""
}

// lookup resolves a dotted path through nested objects.
func lookup(value map[string]interface{}, path string) interface{} {
	var cur interface{} = value
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]interface{}:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	}
	return false
}

func codingCode(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		code, _ := t["code"].(string)
		return code
	}
	return ""
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func enumValues(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinErrors(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
