package valueset

import (
	"context"
)

type ListFilter struct {
	Status        string
	Search        string
	SystemDefined *bool
}

type Repository interface {
	Create(ctx context.Context, vs *ValueSet) error
	GetBySlug(ctx context.Context, slug string) (*ValueSet, error)
	Update(ctx context.Context, vs *ValueSet) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*ValueSet, int, error)
	// FindConcept returns an explicitly listed concept from any value set, or
	// ErrCodeNotFound.
	FindConcept(ctx context.Context, system, code string) (*Coding, error)
}
