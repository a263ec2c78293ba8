package questionnaire

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

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
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

// whereBuilder accumulates AND-ed conditions with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// =========== Questionnaire Repository ===========

type questionnaireRepoPG struct{ pool *pgxpool.Pool }

func NewQuestionnaireRepoPG(pool *pgxpool.Pool) QuestionnaireRepository {
	return &questionnaireRepoPG{pool: pool}
}

const questCols = `id, slug, title, COALESCE(description, ''), status, version, subject_type,
	tags, organizations, questions, COALESCE(created_by, ''), created_at, updated_at`

func scanQuestionnaire(row pgx.Row) (*Questionnaire, error) {
	var q Questionnaire
	var raw []byte
	err := row.Scan(&q.ID, &q.Slug, &q.Title, &q.Description, &q.Status, &q.Version, &q.SubjectType,
		&q.Tags, &q.Organizations, &raw, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := json.Unmarshal(raw, &q.Questions); err != nil {
		return nil, fmt.Errorf("decode questions of %s: %w", q.Slug, err)
	}
	return &q, nil
}

func (r *questionnaireRepoPG) Create(ctx context.Context, q *Questionnaire) error {
	q.ID = uuid.New()
	raw, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	err = conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO questionnaire (id, slug, title, description, status, version, subject_type,
			tags, organizations, questions, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		q.ID, q.Slug, q.Title, q.Description, q.Status, q.Version, q.SubjectType,
		q.Tags, q.Organizations, raw, q.CreatedBy).Scan(&q.CreatedAt, &q.UpdatedAt)
	return mapPGError(err)
}

func (r *questionnaireRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Questionnaire, error) {
	return scanQuestionnaire(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+questCols+` FROM questionnaire WHERE id = $1`, id))
}

func (r *questionnaireRepoPG) GetBySlug(ctx context.Context, slug string) (*Questionnaire, error) {
	return scanQuestionnaire(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+questCols+` FROM questionnaire WHERE slug = $1`, slug))
}

func (r *questionnaireRepoPG) Update(ctx context.Context, q *Questionnaire) error {
	raw, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	err = conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE questionnaire SET slug=$2, title=$3, description=$4, status=$5, version=$6,
			subject_type=$7, tags=$8, organizations=$9, questions=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		q.ID, q.Slug, q.Title, q.Description, q.Status, q.Version,
		q.SubjectType, q.Tags, q.Organizations, raw).Scan(&q.UpdatedAt)
	return mapPGError(err)
}

func (r *questionnaireRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM questionnaire WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *questionnaireRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Questionnaire, int, error) {
	var w whereBuilder
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.SubjectType != "" {
		w.add("subject_type = ?", f.SubjectType)
	}
	if f.Tag != "" {
		w.add("? = ANY(tags)", f.Tag)
	}
	if f.Organization != "" {
		w.add("? = ANY(organizations)", f.Organization)
	}
	if f.Search != "" {
		w.add("title ILIKE ?", "%"+f.Search+"%")
	}

	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM questionnaire`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args := append(w.args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+questCols+` FROM questionnaire%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		w.sql(), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Questionnaire
	for rows.Next() {
		item, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

// =========== Questionnaire Response Repository ===========

type responseRepoPG struct{ pool *pgxpool.Pool }

func NewResponseRepoPG(pool *pgxpool.Pool) ResponseRepository {
	return &responseRepoPG{pool: pool}
}

const respCols = `id, questionnaire_id, subject_id, subject_type, COALESCE(encounter_id, ''), status,
	responses, supersedes, authored, COALESCE(created_by, '')`

func scanResponse(row pgx.Row) (*QuestionnaireResponse, error) {
	var qr QuestionnaireResponse
	var raw []byte
	err := row.Scan(&qr.ID, &qr.QuestionnaireID, &qr.SubjectID, &qr.SubjectType, &qr.EncounterID, &qr.Status,
		&raw, &qr.Supersedes, &qr.Authored, &qr.CreatedBy)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := json.Unmarshal(raw, &qr.Responses); err != nil {
		return nil, fmt.Errorf("decode responses of %s: %w", qr.ID, err)
	}
	return &qr, nil
}

func (r *responseRepoPG) Create(ctx context.Context, qr *QuestionnaireResponse) error {
	qr.ID = uuid.New()
	raw, err := json.Marshal(qr.Responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	var encounterID *string
	if qr.EncounterID != "" {
		encounterID = &qr.EncounterID
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO questionnaire_response (id, questionnaire_id, subject_id, subject_type, encounter_id,
			status, responses, supersedes, authored, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		qr.ID, qr.QuestionnaireID, qr.SubjectID, qr.SubjectType, encounterID,
		qr.Status, raw, qr.Supersedes, qr.Authored, qr.CreatedBy)
	return mapPGError(err)
}

func (r *responseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error) {
	return scanResponse(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+respCols+` FROM questionnaire_response WHERE id = $1`, id))
}

func (r *responseRepoPG) List(ctx context.Context, f ResponseFilter, limit, offset int) ([]*QuestionnaireResponse, int, error) {
	var w whereBuilder
	if f.QuestionnaireID != nil {
		w.add("questionnaire_id = ?", *f.QuestionnaireID)
	}
	if f.SubjectID != "" {
		w.add("subject_id = ?", f.SubjectID)
	}
	if f.EncounterID != "" {
		w.add("encounter_id = ?", f.EncounterID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}

	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM questionnaire_response`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args := append(w.args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+respCols+` FROM questionnaire_response%s ORDER BY authored DESC LIMIT $%d OFFSET $%d`,
		w.sql(), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*QuestionnaireResponse
	for rows.Next() {
		item, err := scanResponse(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func (r *responseRepoPG) CountByQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaire_response WHERE questionnaire_id = $1`, questionnaireID).Scan(&n)
	return n, err
}

func (r *responseRepoPG) Supersede(ctx context.Context, oldID uuid.UUID, replacement *QuestionnaireResponse) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := conn(ctx, r.pool).Exec(ctx, `
			UPDATE questionnaire_response SET status = $2
			WHERE id = $1 AND status = $3`,
			oldID, ResponseEnteredInError, ResponseCompleted)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadySuperseded
		}
		replacement.Supersedes = &oldID
		return r.Create(ctx, replacement)
	})
}
