package questionnaire

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalid           = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateSlug     = errors.New("slug already exists")
	ErrHasResponses      = errors.New("questionnaire has responses")
	ErrRetired           = errors.New("questionnaire is retired")
	ErrAlreadySuperseded = errors.New("response was already amended")
	ErrCodeNotInValueSet = errors.New("code is not in the value set")
	ErrStructuredSubmit  = errors.New("structured resource could not be saved")
)

// Question types.
const (
	TypeGroup      = "group"
	TypeDisplay    = "display"
	TypeBoolean    = "boolean"
	TypeDecimal    = "decimal"
	TypeInteger    = "integer"
	TypeDate       = "date"
	TypeDateTime   = "dateTime"
	TypeTime       = "time"
	TypeString     = "string"
	TypeText       = "text"
	TypeURL        = "url"
	TypeChoice     = "choice"
	TypeQuantity   = "quantity"
	TypeStructured = "structured"
)

var validQuestionTypes = map[string]bool{
	TypeGroup: true, TypeDisplay: true, TypeBoolean: true, TypeDecimal: true,
	TypeInteger: true, TypeDate: true, TypeDateTime: true, TypeTime: true,
	TypeString: true, TypeText: true, TypeURL: true, TypeChoice: true,
	TypeQuantity: true, TypeStructured: true,
}

// StructuredTypes lists the clinical resources a structured question may
// delegate to.
var StructuredTypes = map[string]bool{
	"allergy_intolerance":  true,
	"medication_request":   true,
	"medication_statement": true,
	"symptom":              true,
	"diagnosis":            true,
	"encounter":            true,
	"appointment":          true,
	"location_association": true,
}

// Enable-when operators.
const (
	OpExists         = "exists"
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpGreater        = "greater"
	OpLess           = "less"
	OpGreaterOrEqual = "greater_or_equals"
	OpLessOrEqual    = "less_or_equals"
)

var validOperators = map[string]bool{
	OpExists: true, OpEquals: true, OpNotEquals: true, OpGreater: true,
	OpLess: true, OpGreaterOrEqual: true, OpLessOrEqual: true,
}

const (
	BehaviorAll = "all"
	BehaviorAny = "any"
)

var validStatuses = map[string]bool{"active": true, "draft": true, "retired": true}

var validSubjectTypes = map[string]bool{"patient": true, "encounter": true}

type Code struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

type AnswerOption struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// EnableWhen gates a question on another question's answer. Answer is a bool
// for exists, a number for the comparison operators and a string otherwise.
type EnableWhen struct {
	Question string      `json:"question"`
	Operator string      `json:"operator"`
	Answer   interface{} `json:"answer"`
}

// Question is one node of the definition tree. Only groups have Questions.
type Question struct {
	ID               string                 `json:"id"`
	LinkID           string                 `json:"link_id"`
	Text             string                 `json:"text"`
	Description      string                 `json:"description,omitempty"`
	Type             string                 `json:"type"`
	StructuredType   string                 `json:"structured_type,omitempty"`
	Required         bool                   `json:"required,omitempty"`
	Repeats          bool                   `json:"repeats,omitempty"`
	ReadOnly         bool                   `json:"read_only,omitempty"`
	AnswerOption     []AnswerOption         `json:"answer_option,omitempty"`
	AnswerValueSet   string                 `json:"answer_value_set,omitempty"`
	EnableWhen       []EnableWhen           `json:"enable_when,omitempty"`
	EnableBehavior   string                 `json:"enable_behavior,omitempty"`
	Questions        []Question             `json:"questions,omitempty"`
	Code             *Code                  `json:"code,omitempty"`
	Unit             *Code                  `json:"unit,omitempty"`
	StylingMetadata  map[string]interface{} `json:"styling_metadata,omitempty"`
	CollectTime      bool                   `json:"collect_time,omitempty"`
	CollectPerformer bool                   `json:"collect_performer,omitempty"`
	CollectBodySite  bool                   `json:"collect_body_site,omitempty"`
	CollectMethod    bool                   `json:"collect_method,omitempty"`
}

// Questionnaire maps to the questionnaire table.
type Questionnaire struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Slug          string     `db:"slug" json:"slug"`
	Title         string     `db:"title" json:"title"`
	Description   string     `db:"description" json:"description,omitempty"`
	Status        string     `db:"status" json:"status"`
	Version       string     `db:"version" json:"version"`
	SubjectType   string     `db:"subject_type" json:"subject_type"`
	Tags          []string   `db:"tags" json:"tags"`
	Organizations []string   `db:"organizations" json:"organizations"`
	Questions     []Question `db:"questions" json:"questions"`
	CreatedBy     string     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	// Warnings from the last create or update; not stored.
	Warnings []DefinitionIssue `db:"-" json:"warnings,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// ResponseValue is one typed answer. Value holds a scalar for simple types
// and an object for structured questions. Coded answers carry Coding;
// Unverified marks a coded answer the terminology service could not confirm.
type ResponseValue struct {
	Type       string      `json:"type"`
	Value      interface{} `json:"value,omitempty"`
	Coding     *Coding     `json:"coding,omitempty"`
	Unit       *Coding     `json:"unit,omitempty"`
	Unverified bool        `json:"unverified,omitempty"`
	Resource   string      `json:"resource,omitempty"`
}

// ResponseEntry is the answer to one question. QuestionID accepts either the
// question id or its link_id; LinkID is filled in when the entry is stored.
type ResponseEntry struct {
	QuestionID string          `json:"question_id"`
	LinkID     string          `json:"link_id,omitempty"`
	Values     []ResponseValue `json:"values"`
	Note       string          `json:"note,omitempty"`
}

const (
	ResponseCompleted      = "completed"
	ResponseEnteredInError = "entered-in-error"
)

// QuestionnaireResponse maps to the questionnaire_response table. Rows are
// never edited; amending creates a new row that supersedes the old one.
type QuestionnaireResponse struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	QuestionnaireID uuid.UUID       `db:"questionnaire_id" json:"questionnaire_id"`
	SubjectID       string          `db:"subject_id" json:"subject_id"`
	SubjectType     string          `db:"subject_type" json:"subject_type"`
	EncounterID     string          `db:"encounter_id" json:"encounter_id,omitempty"`
	Status          string          `db:"status" json:"status"`
	Responses       []ResponseEntry `db:"responses" json:"responses"`
	Supersedes      *uuid.UUID      `db:"supersedes" json:"supersedes,omitempty"`
	Authored        time.Time       `db:"authored" json:"authored"`
	CreatedBy       string          `db:"created_by" json:"created_by,omitempty"`
}
