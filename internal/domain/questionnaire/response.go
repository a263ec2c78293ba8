package questionnaire

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// QuestionError is a validation failure for a single question.
type QuestionError struct {
	QuestionID string `json:"question_id"`
	LinkID     string `json:"link_id,omitempty"`
	Message    string `json:"message"`
}

// ValidationErrors collects per-question failures. One question's errors
// never hide another's.
type ValidationErrors []QuestionError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		id := e.LinkID
		if id == "" {
			id = e.QuestionID
		}
		parts[i] = id + ": " + e.Message
	}
	return "invalid response: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(questionID, linkID, format string, args ...interface{}) {
	*v = append(*v, QuestionError{QuestionID: questionID, LinkID: linkID, Message: fmt.Sprintf(format, args...)})
}

// AnswersFromEntries indexes entries by link_id. Entries for unknown
// questions are skipped.
func AnswersFromEntries(t *Tree, entries []ResponseEntry) Answers {
	answers := make(Answers, len(entries))
	for _, e := range entries {
		if linkID, ok := t.Resolve(e.QuestionID); ok {
			answers[linkID] = append(answers[linkID], e.Values...)
		}
	}
	return answers
}

// ValidateResponse checks entries against the tree and returns the entries
// that should be stored, in definition order with link_ids filled in.
// Values on groups and on disabled questions are dropped. Coded answers that
// come from a value set and structured values are checked later by their
// resolvers.
func ValidateResponse(t *Tree, entries []ResponseEntry) ([]ResponseEntry, ValidationErrors) {
	var errs ValidationErrors

	byLink := make(map[string]ResponseEntry, len(entries))
	for _, e := range entries {
		linkID, ok := t.Resolve(e.QuestionID)
		if !ok {
			errs.add(e.QuestionID, "", "unknown question")
			continue
		}
		if _, dup := byLink[linkID]; dup {
			errs.add(e.QuestionID, linkID, "question answered more than once")
			continue
		}
		e.LinkID = linkID
		byLink[linkID] = e
	}

	answers := make(Answers, len(byLink))
	for linkID, e := range byLink {
		answers[linkID] = e.Values
	}
	enabled := t.EnabledSet(answers)

	var cleaned []ResponseEntry
	for _, linkID := range t.order {
		q := t.nodes[linkID].Question
		if !enabled[linkID] {
			continue
		}
		e, present := byLink[linkID]
		values := nonEmpty(e.Values)

		switch q.Type {
		case TypeGroup:
			if q.Required && !t.hasAnsweredDescendant(linkID, byLink, enabled) {
				errs.add(q.ID, linkID, "at least one answer is required in this group")
			}
			continue
		case TypeDisplay:
			if len(values) > 0 {
				errs.add(q.ID, linkID, "display items do not take answers")
			}
			continue
		}

		if len(values) == 0 {
			if q.Required {
				errs.add(q.ID, linkID, "this question is required")
			}
			if present && e.Note != "" {
				cleaned = append(cleaned, ResponseEntry{QuestionID: e.QuestionID, LinkID: linkID, Values: []ResponseValue{}, Note: e.Note})
			}
			continue
		}
		if len(values) > 1 && !q.Repeats {
			errs.add(q.ID, linkID, "only one answer is allowed")
		}
		for i, v := range values {
			if msg := checkValue(q, v); msg != "" {
				errs.add(q.ID, linkID, "value %d: %s", i, msg)
			}
		}
		e.Values = values
		cleaned = append(cleaned, e)
	}
	return cleaned, errs
}

func nonEmpty(values []ResponseValue) []ResponseValue {
	out := make([]ResponseValue, 0, len(values))
	for _, v := range values {
		if !isEmptyValue(v) {
			out = append(out, v)
		}
	}
	return out
}

func (t *Tree) hasAnsweredDescendant(linkID string, byLink map[string]ResponseEntry, enabled map[string]bool) bool {
	for _, child := range t.nodes[linkID].Children {
		if !enabled[child] {
			continue
		}
		if hasValue(byLink[child].Values) || t.hasAnsweredDescendant(child, byLink, enabled) {
			return true
		}
	}
	return false
}

// checkValue returns a message when v does not fit the question type.
func checkValue(q *Question, v ResponseValue) string {
	switch q.Type {
	case TypeBoolean:
		switch val := v.Value.(type) {
		case bool:
			return ""
		case string:
			if val == "true" || val == "false" {
				return ""
			}
		}
		return "expected true or false"
	case TypeDecimal:
		if _, ok := toNumber(v.Value); !ok {
			return "expected a number"
		}
	case TypeInteger:
		n, ok := toNumber(v.Value)
		if !ok || n != math.Trunc(n) {
			return "expected a whole number"
		}
	case TypeQuantity:
		if _, ok := toNumber(v.Value); !ok {
			return "expected a numeric quantity"
		}
		if q.Unit != nil && v.Unit != nil && v.Unit.Code != q.Unit.Code {
			return fmt.Sprintf("expected unit %q", q.Unit.Code)
		}
	case TypeDate:
		if !parses(v.Value, "2006-01-02") {
			return "expected a date (YYYY-MM-DD)"
		}
	case TypeDateTime:
		if !parses(v.Value, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04") {
			return "expected a date and time"
		}
	case TypeTime:
		if !parses(v.Value, "15:04:05", "15:04") {
			return "expected a time (HH:MM)"
		}
	case TypeString, TypeText:
		if _, ok := v.Value.(string); !ok {
			return "expected text"
		}
	case TypeURL:
		s, _ := v.Value.(string)
		u, err := url.ParseRequestURI(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "expected an absolute URL"
		}
	case TypeChoice:
		code := stringify(scalar(v))
		if code == "" {
			return "expected a code"
		}
		if len(q.AnswerOption) > 0 && !hasOption(q.AnswerOption, code) {
			return fmt.Sprintf("%q is not one of the answer options", code)
		}
	case TypeStructured:
		if _, ok := v.Value.(map[string]interface{}); !ok {
			return "expected a structured object"
		}
	}
	return ""
}

func parses(v interface{}, layouts ...string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func hasOption(options []AnswerOption, code string) bool {
	for _, o := range options {
		if o.Value == code {
			return true
		}
	}
	return false
}

// FormNode is an answered question in its nested position. Groups appear
// when any descendant is answered.
type FormNode struct {
	LinkID     string          `json:"link_id"`
	QuestionID string          `json:"question_id"`
	Text       string          `json:"text,omitempty"`
	Values     []ResponseValue `json:"values,omitempty"`
	Note       string          `json:"note,omitempty"`
	Children   []FormNode      `json:"questions,omitempty"`
}

// NestEntries rebuilds the nested form of stored entries using the tree.
// Entries for unknown questions are left out.
func NestEntries(t *Tree, entries []ResponseEntry) []FormNode {
	byLink := make(map[string]ResponseEntry, len(entries))
	for _, e := range entries {
		linkID := e.LinkID
		if linkID == "" {
			linkID, _ = t.Resolve(e.QuestionID)
		}
		if linkID != "" {
			byLink[linkID] = e
		}
	}

	var nest func(ids []string) []FormNode
	nest = func(ids []string) []FormNode {
		var out []FormNode
		for _, id := range ids {
			n := t.nodes[id]
			children := nest(n.Children)
			e, answered := byLink[id]
			if !answered && len(children) == 0 {
				continue
			}
			node := FormNode{LinkID: id, QuestionID: n.Question.ID, Text: n.Question.Text, Children: children}
			if answered {
				node.QuestionID = e.QuestionID
				node.Values = e.Values
				node.Note = e.Note
			}
			out = append(out, node)
		}
		return out
	}
	return nest(t.roots)
}

// EntriesFromForm flattens a nested form back into entries, depth first.
// Group nodes without their own answer produce no entry.
func EntriesFromForm(nodes []FormNode) []ResponseEntry {
	var out []ResponseEntry
	var walk func([]FormNode)
	walk = func(nodes []FormNode) {
		for _, n := range nodes {
			if n.Values != nil || n.Note != "" {
				out = append(out, ResponseEntry{QuestionID: n.QuestionID, LinkID: n.LinkID, Values: n.Values, Note: n.Note})
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	return out
}
