package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careforms/internal/platform/db"
	"github.com/ehr/careforms/internal/platform/events"
)

const (
	EventResponseSubmitted = "questionnaire_response.submitted"
	EventResponseAmended   = "questionnaire_response.amended"
)

// CodeResolver confirms a coded answer against a value set. It returns
// ErrCodeNotInValueSet when the code is definitely not a member; any other
// error means membership could not be checked.
type CodeResolver interface {
	ResolveChoice(ctx context.Context, valueSet string, c Coding) (Coding, error)
}

// Subject is who or what a response is about.
type Subject struct {
	Type        string
	ID          string
	EncounterID string
}

// StructuredDelegate hands structured answers to the clinical resource
// adapters.
type StructuredDelegate interface {
	Validate(structuredType string, subject Subject, value map[string]interface{}) []string
	Submit(ctx context.Context, structuredType string, subject Subject, value map[string]interface{}) (string, error)
}

type Service struct {
	questionnaires QuestionnaireRepository
	responses      ResponseRepository
	resolver       CodeResolver
	structured     StructuredDelegate
	publisher      events.Publisher
	logger         zerolog.Logger
	now            func() time.Time
}

func NewService(questionnaires QuestionnaireRepository, responses ResponseRepository, logger zerolog.Logger) *Service {
	return &Service{
		questionnaires: questionnaires,
		responses:      responses,
		publisher:      events.Nop{},
		logger:         logger.With().Str("component", "questionnaire").Logger(),
		now:            time.Now,
	}
}

func (s *Service) SetCodeResolver(r CodeResolver)             { s.resolver = r }
func (s *Service) SetStructuredDelegate(d StructuredDelegate) { s.structured = d }
func (s *Service) SetPublisher(p events.Publisher)            { s.publisher = p }

// -- Questionnaire --

func (s *Service) prepareDefinition(q *Questionnaire) error {
	if q.Slug == "" {
		return fmt.Errorf("%w: slug is required", ErrInvalid)
	}
	if q.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if q.Status == "" {
		q.Status = "draft"
	}
	if !validStatuses[q.Status] {
		return fmt.Errorf("%w: invalid status: %s", ErrInvalid, q.Status)
	}
	if q.SubjectType == "" {
		q.SubjectType = "patient"
	}
	if !validSubjectTypes[q.SubjectType] {
		return fmt.Errorf("%w: invalid subject_type: %s", ErrInvalid, q.SubjectType)
	}
	if q.Version == "" {
		q.Version = "1.0"
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	if q.Organizations == nil {
		q.Organizations = []string{}
	}
	assignQuestionIDs(q.Questions)

	_, report := ValidateDefinition(q.Questions)
	if !report.Valid() {
		return &DefinitionError{Report: report}
	}
	q.Warnings = report.Warnings
	return nil
}

func assignQuestionIDs(questions []Question) {
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = uuid.New().String()
		}
		assignQuestionIDs(questions[i].Questions)
	}
}

func (s *Service) CreateQuestionnaire(ctx context.Context, q *Questionnaire) error {
	if err := s.prepareDefinition(q); err != nil {
		return err
	}
	return s.questionnaires.Create(ctx, q)
}

func (s *Service) GetQuestionnaire(ctx context.Context, slug string) (*Questionnaire, error) {
	return s.questionnaires.GetBySlug(ctx, slug)
}

// UpdateQuestionnaire replaces the definition stored under slug. Existing
// responses keep pointing at the same questionnaire id.
func (s *Service) UpdateQuestionnaire(ctx context.Context, slug string, q *Questionnaire) error {
	existing, err := s.questionnaires.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	q.ID = existing.ID
	q.CreatedBy = existing.CreatedBy
	q.CreatedAt = existing.CreatedAt
	if q.Slug == "" {
		q.Slug = existing.Slug
	}
	if err := s.prepareDefinition(q); err != nil {
		return err
	}
	return s.questionnaires.Update(ctx, q)
}

func (s *Service) DeleteQuestionnaire(ctx context.Context, slug string) error {
	q, err := s.questionnaires.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	n, err := s.responses.CountByQuestionnaire(ctx, q.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d response(s) reference %s; retire it instead", ErrHasResponses, n, slug)
	}
	return s.questionnaires.Delete(ctx, q.ID)
}

func (s *Service) ListQuestionnaires(ctx context.Context, f ListFilter, limit, offset int) ([]*Questionnaire, int, error) {
	return s.questionnaires.List(ctx, f, limit, offset)
}

// CheckDefinition validates questions without storing anything.
func (s *Service) CheckDefinition(questions []Question) DefinitionReport {
	_, report := ValidateDefinition(questions)
	return report
}

// Enablement evaluates which questions are enabled for an in-progress set
// of answers.
func (s *Service) Enablement(ctx context.Context, slug string, entries []ResponseEntry) (map[string]bool, error) {
	q, err := s.questionnaires.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	t := NewTree(q.Questions)
	return t.EnabledSet(AnswersFromEntries(t, entries)), nil
}

// -- Questionnaire Response --

type SubmitRequest struct {
	SubjectID   string          `json:"subject_id" validate:"required"`
	EncounterID string          `json:"encounter_id"`
	Responses   []ResponseEntry `json:"responses"`
}

func (s *Service) Submit(ctx context.Context, slug string, req SubmitRequest, createdBy string) (*QuestionnaireResponse, error) {
	q, err := s.questionnaires.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if q.Status == "retired" {
		return nil, ErrRetired
	}
	subject, err := subjectFor(q, req.SubjectID, req.EncounterID)
	if err != nil {
		return nil, err
	}

	cleaned, err := s.prepareEntries(ctx, q, subject, req.Responses)
	if err != nil {
		return nil, err
	}

	qr := &QuestionnaireResponse{
		QuestionnaireID: q.ID,
		SubjectID:       req.SubjectID,
		SubjectType:     q.SubjectType,
		EncounterID:     req.EncounterID,
		Status:          ResponseCompleted,
		Responses:       cleaned,
		Authored:        s.now().UTC(),
		CreatedBy:       createdBy,
	}
	if err := s.responses.Create(ctx, qr); err != nil {
		return nil, err
	}
	s.publish(ctx, EventResponseSubmitted, q, qr)
	return qr, nil
}

// Amend stores a corrected copy of a response. The original is kept and
// marked entered-in-error.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, entries []ResponseEntry, createdBy string) (*QuestionnaireResponse, error) {
	old, err := s.responses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != ResponseCompleted {
		return nil, ErrAlreadySuperseded
	}
	q, err := s.questionnaires.GetByID(ctx, old.QuestionnaireID)
	if err != nil {
		return nil, err
	}
	subject := Subject{Type: old.SubjectType, ID: old.SubjectID, EncounterID: old.EncounterID}

	cleaned, err := s.prepareEntries(ctx, q, subject, entries)
	if err != nil {
		return nil, err
	}

	qr := &QuestionnaireResponse{
		QuestionnaireID: old.QuestionnaireID,
		SubjectID:       old.SubjectID,
		SubjectType:     old.SubjectType,
		EncounterID:     old.EncounterID,
		Status:          ResponseCompleted,
		Responses:       cleaned,
		Authored:        s.now().UTC(),
		CreatedBy:       createdBy,
	}
	if err := s.responses.Supersede(ctx, old.ID, qr); err != nil {
		return nil, err
	}
	s.publish(ctx, EventResponseAmended, q, qr)
	return qr, nil
}

func (s *Service) GetResponse(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error) {
	return s.responses.GetByID(ctx, id)
}

func (s *Service) ListResponses(ctx context.Context, f ResponseFilter, limit, offset int) ([]*QuestionnaireResponse, int, error) {
	return s.responses.List(ctx, f, limit, offset)
}

// ResponseForm is a stored response re-nested under its questionnaire, as
// needed to reopen it for editing.
type ResponseForm struct {
	Response      *QuestionnaireResponse `json:"response"`
	Questionnaire *Questionnaire         `json:"questionnaire"`
	Questions     []FormNode             `json:"questions"`
}

func (s *Service) GetResponseForm(ctx context.Context, id uuid.UUID) (*ResponseForm, error) {
	qr, err := s.responses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	q, err := s.questionnaires.GetByID(ctx, qr.QuestionnaireID)
	if err != nil {
		return nil, err
	}
	nodes := NestEntries(NewTree(q.Questions), qr.Responses)
	if nodes == nil {
		nodes = []FormNode{}
	}
	return &ResponseForm{Response: qr, Questionnaire: q, Questions: nodes}, nil
}

func subjectFor(q *Questionnaire, subjectID, encounterID string) (Subject, error) {
	if subjectID == "" {
		return Subject{}, fmt.Errorf("%w: subject_id is required", ErrInvalid)
	}
	if q.SubjectType == "encounter" && encounterID == "" {
		return Subject{}, fmt.Errorf("%w: encounter_id is required for %s", ErrInvalid, q.Slug)
	}
	return Subject{Type: q.SubjectType, ID: subjectID, EncounterID: encounterID}, nil
}

// prepareEntries validates entries, resolves coded answers and saves
// structured answers. Nothing is saved unless every question is valid.
func (s *Service) prepareEntries(ctx context.Context, q *Questionnaire, subject Subject, entries []ResponseEntry) ([]ResponseEntry, error) {
	t := NewTree(q.Questions)
	cleaned, errs := ValidateResponse(t, entries)

	for i := range cleaned {
		e := &cleaned[i]
		n, _ := t.Node(e.LinkID)
		switch n.Question.Type {
		case TypeChoice:
			if n.Question.AnswerValueSet != "" {
				s.resolveCodes(ctx, n.Question, e, &errs)
			}
		case TypeStructured:
			s.validateStructured(n.Question, subject, e, &errs)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	for i := range cleaned {
		e := &cleaned[i]
		n, _ := t.Node(e.LinkID)
		if n.Question.Type != TypeStructured {
			continue
		}
		for j := range e.Values {
			v := &e.Values[j]
			if v.Resource != "" {
				continue
			}
			ref, err := s.structured.Submit(ctx, n.Question.StructuredType, subject, v.Value.(map[string]interface{}))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrStructuredSubmit, e.LinkID, err)
			}
			v.Resource = ref
		}
	}
	return cleaned, nil
}

func (s *Service) resolveCodes(ctx context.Context, q *Question, e *ResponseEntry, errs *ValidationErrors) {
	for j := range e.Values {
		v := &e.Values[j]
		coding := Coding{Code: stringify(v.Value)}
		if v.Coding != nil {
			coding = *v.Coding
		}
		if s.resolver == nil {
			v.Coding = &coding
			v.Unverified = true
			continue
		}
		resolved, err := s.resolver.ResolveChoice(ctx, q.AnswerValueSet, coding)
		switch {
		case errors.Is(err, ErrCodeNotInValueSet):
			errs.add(q.ID, q.LinkID, "value %d: %q is not in value set %s", j, coding.Code, q.AnswerValueSet)
		case err != nil:
			s.logger.Warn().Err(err).
				Str("value_set", q.AnswerValueSet).
				Str("code", coding.Code).
				Msg("terminology lookup failed, keeping answer unverified")
			v.Coding = &coding
			v.Unverified = true
		default:
			v.Coding = &resolved
			v.Unverified = false
		}
		if v.Coding != nil {
			v.Type = "coding"
			v.Value = v.Coding.Code
		}
	}
}

func (s *Service) validateStructured(q *Question, subject Subject, e *ResponseEntry, errs *ValidationErrors) {
	if s.structured == nil {
		errs.add(q.ID, q.LinkID, "structured answers are not available")
		return
	}
	for j, v := range e.Values {
		value, _ := v.Value.(map[string]interface{})
		for _, msg := range s.structured.Validate(q.StructuredType, subject, value) {
			errs.add(q.ID, q.LinkID, "value %d: %s", j, msg)
		}
	}
}

type responseEvent struct {
	ResponseID    string `json:"response_id"`
	Questionnaire string `json:"questionnaire"`
	SubjectID     string `json:"subject_id"`
	SubjectType   string `json:"subject_type"`
	EncounterID   string `json:"encounter_id,omitempty"`
	Supersedes    string `json:"supersedes,omitempty"`
}

func (s *Service) publish(ctx context.Context, eventType string, q *Questionnaire, qr *QuestionnaireResponse) {
	payload := responseEvent{
		ResponseID:    qr.ID.String(),
		Questionnaire: q.Slug,
		SubjectID:     qr.SubjectID,
		SubjectType:   qr.SubjectType,
		EncounterID:   qr.EncounterID,
	}
	if qr.Supersedes != nil {
		payload.Supersedes = qr.Supersedes.String()
	}
	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, db.TenantFromContext(ctx), payload)); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("response_id", payload.ResponseID).Msg("event publish failed")
	}
}
