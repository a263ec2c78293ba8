package valueset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careforms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type valueSetRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &valueSetRepoPG{pool: pool}
}

func (r *valueSetRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func mapPGError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateSlug
	}
	return err
}

const vsCols = `id, slug, name, COALESCE(description, ''), status, is_system_defined, compose,
	COALESCE(created_by, ''), COALESCE(updated_by, ''), created_at, updated_at`

func scanValueSet(row pgx.Row) (*ValueSet, error) {
	var vs ValueSet
	var raw []byte
	err := row.Scan(&vs.ID, &vs.Slug, &vs.Name, &vs.Description, &vs.Status, &vs.IsSystemDefined,
		&raw, &vs.CreatedBy, &vs.UpdatedBy, &vs.CreatedAt, &vs.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := json.Unmarshal(raw, &vs.Compose); err != nil {
		return nil, fmt.Errorf("decode compose for %s: %w", vs.Slug, err)
	}
	return &vs, nil
}

func (r *valueSetRepoPG) Create(ctx context.Context, vs *ValueSet) error {
	if vs.ID == uuid.Nil {
		vs.ID = uuid.New()
	}
	compose, err := json.Marshal(vs.Compose)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO valueset (id, slug, name, description, status, is_system_defined, compose, created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($8, ''))
			RETURNING created_at, updated_at`,
			vs.ID, vs.Slug, vs.Name, vs.Description, vs.Status, vs.IsSystemDefined, compose, vs.CreatedBy).
			Scan(&vs.CreatedAt, &vs.UpdatedAt)
		if err != nil {
			return mapPGError(err)
		}
		return r.replaceConcepts(ctx, vs)
	})
}

func (r *valueSetRepoPG) GetBySlug(ctx context.Context, slug string) (*ValueSet, error) {
	return scanValueSet(r.conn(ctx).QueryRow(ctx, `SELECT `+vsCols+` FROM valueset WHERE slug = $1`, slug))
}

func (r *valueSetRepoPG) Update(ctx context.Context, vs *ValueSet) error {
	compose, err := json.Marshal(vs.Compose)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE valueset SET slug = $2, name = $3, description = $4, status = $5, compose = $6,
				updated_by = NULLIF($7, ''), updated_at = NOW()
			WHERE id = $1 AND NOT is_system_defined
			RETURNING updated_at`,
			vs.ID, vs.Slug, vs.Name, vs.Description, vs.Status, compose, vs.UpdatedBy).
			Scan(&vs.UpdatedAt)
		if err != nil {
			return mapPGError(err)
		}
		return r.replaceConcepts(ctx, vs)
	})
}

func (r *valueSetRepoPG) replaceConcepts(ctx context.Context, vs *ValueSet) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM valueset_concept WHERE valueset_id = $1`, vs.ID); err != nil {
		return err
	}
	for _, c := range vs.concepts() {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO valueset_concept (valueset_id, system, code, display)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (valueset_id, system, code) DO UPDATE SET display = EXCLUDED.display`,
			vs.ID, c.System, c.Code, c.Display)
		if err != nil {
			return fmt.Errorf("store concept %s: %w", c.key(), err)
		}
	}
	return nil
}

func (r *valueSetRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*ValueSet, int, error) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Search != "" {
		add("(name ILIKE ? OR slug ILIKE ?)", "%"+f.Search+"%")
	}
	if f.SystemDefined != nil {
		add("is_system_defined = ?", *f.SystemDefined)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM valueset`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM valueset%s ORDER BY name LIMIT $%d OFFSET $%d`, vsCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ValueSet
	for rows.Next() {
		vs, err := scanValueSet(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, vs)
	}
	return items, total, rows.Err()
}

func (r *valueSetRepoPG) FindConcept(ctx context.Context, system, code string) (*Coding, error) {
	c := Coding{System: system, Code: code}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT display FROM valueset_concept
		WHERE system = $1 AND code = $2
		ORDER BY display DESC LIMIT 1`, system, code).Scan(&c.Display)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
