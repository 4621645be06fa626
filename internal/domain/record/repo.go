package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup does not match any canonical record.
var ErrNotFound = errors.New("canonical record not found")

// Repository defines the persistence interface for canonical records. Update
// appends exactly one visit history entry alongside the scalar changes; there
// is deliberately no operation that rewrites or truncates visit history.
type Repository interface {
	Create(ctx context.Context, rec *CanonicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*CanonicalRecord, error)
	// GetForPatient resolves id only when the record belongs to patientID.
	// Returns ErrNotFound for foreign records.
	GetForPatient(ctx context.Context, patientID, id uuid.UUID) (*CanonicalRecord, error)
	ListByPatientAndType(ctx context.Context, patientID uuid.UUID, t EntityType, limit, offset int) ([]*CanonicalRecord, int, error)
	Update(ctx context.Context, rec *CanonicalRecord, entry VisitHistoryEntry) error
	// WithPatientTypeLock runs fn inside a transaction holding an exclusive
	// lock on the (patientID, entityType) write scope, so concurrent
	// consolidation passes over the same chart section serialize.
	WithPatientTypeLock(ctx context.Context, patientID uuid.UUID, t EntityType, fn func(ctx context.Context) error) error
	// WithSavepoint runs fn so that its writes roll back as one unit on
	// failure without aborting the surrounding transaction. Outside a
	// transaction fn runs as-is.
	WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}
