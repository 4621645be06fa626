package encounter

import (
	"time"

	"github.com/google/uuid"
)

// EncounterStatus is the lifecycle state of an encounter.
type EncounterStatus string

const (
	StatusOpen   EncounterStatus = "open"
	StatusSigned EncounterStatus = "signed"
)

// Encounter maps to the encounter table. The consolidation service only
// needs the lifecycle state: signed encounters reject further automatic
// processing and route edits to the amendment flow.
type Encounter struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	PatientID uuid.UUID       `db:"patient_id" json:"patient_id"`
	Status    EncounterStatus `db:"status" json:"status"`
	SignedAt  *time.Time      `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy  *uuid.UUID      `db:"signed_by" json:"signed_by,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Signed reports whether the encounter has been finalized.
func (e *Encounter) Signed() bool {
	return e.Status == StatusSigned
}
