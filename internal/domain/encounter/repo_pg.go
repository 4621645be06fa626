package encounter

import (
	"context"
	"errors"

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

type encounterRepoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed encounter repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &encounterRepoPG{pool: pool}
}

func (r *encounterRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *encounterRepoPG) Create(ctx context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	if enc.Status == "" {
		enc.Status = StatusOpen
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter (id, patient_id, status)
		VALUES ($1, $2, $3)`,
		enc.ID, enc.PatientID, enc.Status,
	)
	return err
}

func (r *encounterRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	enc := &Encounter{}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, status, signed_at, signed_by, created_at, updated_at
		FROM encounter WHERE id = $1`, id,
	).Scan(&enc.ID, &enc.PatientID, &enc.Status, &enc.SignedAt, &enc.SignedBy, &enc.CreatedAt, &enc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *encounterRepoPG) MarkSigned(ctx context.Context, id uuid.UUID, signedBy *uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET status = $2, signed_at = NOW(), signed_by = $3, updated_at = NOW()
		WHERE id = $1`,
		id, StatusSigned, signedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
