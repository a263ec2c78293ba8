package questionnaire

import (
	"context"

	"github.com/google/uuid"
)

type ListFilter struct {
	Status       string
	SubjectType  string
	Tag          string
	Organization string
	Search       string
}

type ResponseFilter struct {
	QuestionnaireID *uuid.UUID
	SubjectID       string
	EncounterID     string
	Status          string
}

type QuestionnaireRepository interface {
	Create(ctx context.Context, q *Questionnaire) error
	GetByID(ctx context.Context, id uuid.UUID) (*Questionnaire, error)
	GetBySlug(ctx context.Context, slug string) (*Questionnaire, error)
	Update(ctx context.Context, q *Questionnaire) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Questionnaire, int, error)
}

type ResponseRepository interface {
	Create(ctx context.Context, r *QuestionnaireResponse) error
	GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error)
	List(ctx context.Context, f ResponseFilter, limit, offset int) ([]*QuestionnaireResponse, int, error)
	CountByQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) (int, error)
	// Supersede marks oldID entered-in-error and stores replacement in one
	// transaction. It fails with ErrAlreadySuperseded if oldID is no longer
	// completed.
	Supersede(ctx context.Context, oldID uuid.UUID, replacement *QuestionnaireResponse) error
}
