package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartflow/chartflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed canonical record repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordColumns = `id, patient_id, entity_type, primary_label, attributes, status,
	source_type, source_confidence, is_absence_record,
	consolidation_reasoning, temporal_conflict_resolution,
	visit_history, created_at, updated_at`

func (r *recordRepoPG) Create(ctx context.Context, rec *CanonicalRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	history, err := json.Marshal(rec.VisitHistory)
	if err != nil {
		return fmt.Errorf("encode visit history: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO canonical_record (
			id, patient_id, entity_type, primary_label, attributes, status,
			source_type, source_confidence, is_absence_record,
			consolidation_reasoning, temporal_conflict_resolution, visit_history
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.PatientID, rec.EntityType, rec.PrimaryLabel, rec.Attributes, rec.Status,
		rec.SourceType, rec.SourceConfidence, rec.IsAbsenceRecord,
		rec.ConsolidationReasoning, rec.TemporalConflictResolution, history,
	)
	return err
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CanonicalRecord, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_record WHERE id = $1`, id))
}

func (r *recordRepoPG) GetForPatient(ctx context.Context, patientID, id uuid.UUID) (*CanonicalRecord, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_record WHERE id = $1 AND patient_id = $2`,
		id, patientID))
}

func (r *recordRepoPG) ListByPatientAndType(ctx context.Context, patientID uuid.UUID, t EntityType, limit, offset int) ([]*CanonicalRecord, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_record WHERE patient_id = $1 AND entity_type = $2`,
		patientID, t).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordColumns+` FROM canonical_record
		 WHERE patient_id = $1 AND entity_type = $2
		 ORDER BY created_at LIMIT $3 OFFSET $4`,
		patientID, t, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*CanonicalRecord
	for rows.Next() {
		rec, err := r.scanRecordRow(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// Update persists the record's scalar fields and appends one visit history
// entry. The append happens in SQL so concurrent writers holding the
// patient/type lock can never drop each other's entries.
func (r *recordRepoPG) Update(ctx context.Context, rec *CanonicalRecord, entry VisitHistoryEntry) error {
	entryJSON, err := json.Marshal([]VisitHistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("encode visit entry: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE canonical_record SET
			primary_label = $2, attributes = $3, status = $4,
			source_confidence = $5, is_absence_record = $6,
			consolidation_reasoning = $7, temporal_conflict_resolution = $8,
			visit_history = visit_history || $9::jsonb,
			updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.PrimaryLabel, rec.Attributes, rec.Status,
		rec.SourceConfidence, rec.IsAbsenceRecord,
		rec.ConsolidationReasoning, rec.TemporalConflictResolution, entryJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) WithPatientTypeLock(ctx context.Context, patientID uuid.UUID, t EntityType, fn func(ctx context.Context) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Advisory lock scoped to the transaction; released on commit/rollback.
	key := patientID.String() + ":" + string(t)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("acquire write lock for %s: %w", key, err)
	}

	if err := fn(db.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithSavepoint shields the enclosing transaction from a failed statement.
// A server-side error leaves a Postgres transaction aborted (25P02), which
// would fail every later statement in the batch, so each unit of work runs
// in a nested transaction that is rolled back on its own failure.
func (r *recordRepoPG) WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return fn(ctx)
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(db.WithTx(ctx, sp)); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (r *recordRepoPG) scanRecord(row pgx.Row) (*CanonicalRecord, error) {
	rec, err := scanInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *recordRepoPG) scanRecordRow(rows pgx.Rows) (*CanonicalRecord, error) {
	return scanInto(rows)
}

func scanInto(row pgx.Row) (*CanonicalRecord, error) {
	rec := &CanonicalRecord{}
	var history []byte
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.EntityType, &rec.PrimaryLabel, &rec.Attributes, &rec.Status,
		&rec.SourceType, &rec.SourceConfidence, &rec.IsAbsenceRecord,
		&rec.ConsolidationReasoning, &rec.TemporalConflictResolution,
		&history, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.VisitHistory); err != nil {
			return nil, fmt.Errorf("decode visit history for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
