package encounter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an encounter id does not resolve.
var ErrNotFound = errors.New("encounter not found")

// Repository defines the persistence interface for encounters.
type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	MarkSigned(ctx context.Context, id uuid.UUID, signedBy *uuid.UUID) error
}
