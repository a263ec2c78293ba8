package questionnaire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorsFor(errs ValidationErrors, linkID string) []string {
	var out []string
	for _, e := range errs {
		if e.LinkID == linkID {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestValidateResponse_Valid(t *testing.T) {
	tree := NewTree(sampleQuestions())
	entries := []ResponseEntry{
		{QuestionID: "q-brand", Values: vals(str("A"), str("B"))},
		{QuestionID: "q-smoke", Values: vals(str("yes")), Note: "since college"},
		{QuestionID: "perday", Values: vals(num(10))},
	}
	cleaned, errs := ValidateResponse(tree, entries)
	require.Empty(t, errs)

	require.Len(t, cleaned, 3)
	// definition order, link ids filled
	assert.Equal(t, "smoke", cleaned[0].LinkID)
	assert.Equal(t, "since college", cleaned[0].Note)
	assert.Equal(t, "perday", cleaned[1].LinkID)
	assert.Equal(t, "brand", cleaned[2].LinkID)
}

func TestValidateResponse_ErrorsArePerQuestion(t *testing.T) {
	tree := NewTree(sampleQuestions())
	entries := []ResponseEntry{
		{QuestionID: "q-smoke", Values: vals(str("maybe"))},
		{QuestionID: "q-perday", Values: vals(num(2.5))},
		{QuestionID: "q-since", Values: vals(str("last year"), str("2001-01-01"))},
		{QuestionID: "q-note", Values: vals(str("hi"))},
		{QuestionID: "q-unknown", Values: vals(str("x"))},
	}
	_, errs := ValidateResponse(tree, entries)

	assert.Len(t, errorsFor(errs, "smoke"), 1, "not an answer option")
	assert.Len(t, errorsFor(errs, "info"), 1, "display takes no answer")
	assert.Empty(t, errorsFor(errs, "brand"))

	var unknown int
	for _, e := range errs {
		if e.QuestionID == "q-unknown" {
			unknown++
		}
	}
	assert.Equal(t, 1, unknown)
}

func TestValidateResponse_NestedErrorsWhenEnabled(t *testing.T) {
	tree := NewTree(sampleQuestions())
	entries := []ResponseEntry{
		{QuestionID: "q-smoke", Values: vals(str("yes"))},
		{QuestionID: "q-perday", Values: vals(num(2.5))},
		{QuestionID: "q-since", Values: vals(str("last year"), str("2001-01-01"))},
	}
	_, errs := ValidateResponse(tree, entries)

	assert.Len(t, errorsFor(errs, "perday"), 1, "not a whole number")
	assert.Len(t, errorsFor(errs, "since"), 2, "bad date plus too many values")
}

func TestValidateResponse_RequiredOnlyWhenEnabled(t *testing.T) {
	tree := NewTree(sampleQuestions())

	_, errs := ValidateResponse(tree, []ResponseEntry{{QuestionID: "q-smoke", Values: vals(str("no"))}})
	assert.Empty(t, errs, "perday is required but its group is disabled")

	_, errs = ValidateResponse(tree, []ResponseEntry{{QuestionID: "q-smoke", Values: vals(str("yes"))}})
	assert.Equal(t, []string{"this question is required"}, errorsFor(errs, "perday"))

	_, errs = ValidateResponse(tree, nil)
	assert.Equal(t, []string{"this question is required"}, errorsFor(errs, "smoke"))
}

func TestValidateResponse_DropsDisabledAndGroupValues(t *testing.T) {
	tree := NewTree(sampleQuestions())
	cleaned, errs := ValidateResponse(tree, []ResponseEntry{
		{QuestionID: "q-smoke", Values: vals(str("no"))},
		{QuestionID: "q-perday", Values: vals(num(20))},
		{QuestionID: "q-habits", Values: vals(str("ignored"))},
	})
	require.Empty(t, errs)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "smoke", cleaned[0].LinkID)
}

func TestValidateResponse_DuplicateEntry(t *testing.T) {
	tree := NewTree(sampleQuestions())
	_, errs := ValidateResponse(tree, []ResponseEntry{
		{QuestionID: "q-smoke", Values: vals(str("no"))},
		{QuestionID: "smoke", Values: vals(str("yes"))},
	})
	assert.Equal(t, []string{"question answered more than once"}, errorsFor(errs, "smoke"))
}

func TestValidateResponse_ReadOnlyAccepted(t *testing.T) {
	tree := NewTree([]Question{{ID: "q", LinkID: "q", Type: TypeString, ReadOnly: true}})
	cleaned, errs := ValidateResponse(tree, []ResponseEntry{{QuestionID: "q", Values: vals(str("prefilled"))}})
	assert.Empty(t, errs)
	assert.Len(t, cleaned, 1)
}

func TestValidateResponse_RequiredGroup(t *testing.T) {
	tree := NewTree([]Question{
		{ID: "g", LinkID: "g", Type: TypeGroup, Required: true, Questions: []Question{
			{ID: "c", LinkID: "c", Type: TypeString},
		}},
	})
	_, errs := ValidateResponse(tree, nil)
	assert.Len(t, errorsFor(errs, "g"), 1)

	_, errs = ValidateResponse(tree, []ResponseEntry{{QuestionID: "c", Values: vals(str("x"))}})
	assert.Empty(t, errs)
}

func TestCheckValue(t *testing.T) {
	tests := []struct {
		qType string
		value interface{}
		ok    bool
	}{
		{TypeBoolean, true, true},
		{TypeBoolean, "false", true},
		{TypeBoolean, "nope", false},
		{TypeDecimal, 1.5, true},
		{TypeDecimal, "1.5", true},
		{TypeDecimal, "abc", false},
		{TypeInteger, 3.0, true},
		{TypeInteger, 3.2, false},
		{TypeDate, "2024-02-29", true},
		{TypeDate, "2024-02-30", false},
		{TypeDateTime, "2024-02-29T10:00:00Z", true},
		{TypeDateTime, "yesterday", false},
		{TypeTime, "08:30", true},
		{TypeTime, "8.30", false},
		{TypeString, "x", true},
		{TypeText, 4.0, false},
		{TypeURL, "https://example.org/a", true},
		{TypeURL, "example.org", false},
		{TypeQuantity, 72.0, true},
		{TypeStructured, map[string]interface{}{"code": "x"}, true},
		{TypeStructured, "x", false},
	}
	for _, tt := range tests {
		q := &Question{Type: tt.qType}
		msg := checkValue(q, ResponseValue{Value: tt.value})
		assert.Equal(t, tt.ok, msg == "", "%s %v: %s", tt.qType, tt.value, msg)
	}
}

func TestCheckValue_QuantityUnit(t *testing.T) {
	q := &Question{Type: TypeQuantity, Unit: &Code{Code: "kg"}}
	assert.Empty(t, checkValue(q, ResponseValue{Value: 70.0, Unit: &Coding{Code: "kg"}}))
	assert.NotEmpty(t, checkValue(q, ResponseValue{Value: 70.0, Unit: &Coding{Code: "lb"}}))
}

func TestNestEntries_RoundTrip(t *testing.T) {
	tree := NewTree(sampleQuestions())
	cleaned, errs := ValidateResponse(tree, []ResponseEntry{
		{QuestionID: "q-smoke", Values: vals(str("yes"))},
		{QuestionID: "q-perday", Values: vals(num(10))},
		{QuestionID: "q-brand", Values: vals(str("A"), str("B")), Note: "varies"},
	})
	require.Empty(t, errs)

	form := NestEntries(tree, cleaned)
	require.Len(t, form, 2)
	assert.Equal(t, "smoke", form[0].LinkID)
	assert.Equal(t, "habits", form[1].LinkID)
	assert.Nil(t, form[1].Values)
	require.Len(t, form[1].Children, 2)
	assert.Equal(t, "perday", form[1].Children[0].LinkID)
	assert.Equal(t, "brand", form[1].Children[1].LinkID)
	assert.Equal(t, "varies", form[1].Children[1].Note)

	assert.Equal(t, cleaned, EntriesFromForm(form))
	assert.Equal(t, form, NestEntries(tree, EntriesFromForm(form)))
}
