package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType selects which consolidation rules and attribute shape apply to a
// canonical record.
type EntityType string

const (
	EntityProblem       EntityType = "problem"
	EntityAllergy       EntityType = "allergy"
	EntityMedication    EntityType = "medication"
	EntityProcedure     EntityType = "procedure"
	EntityFamilyHistory EntityType = "family_history"
	EntitySocialHistory EntityType = "social_history"
	EntityVitalSet      EntityType = "vital_set"
	EntityImaging       EntityType = "imaging"
)

// AllEntityTypes lists every chart section the orchestrator fans out to.
var AllEntityTypes = []EntityType{
	EntityProblem,
	EntityAllergy,
	EntityMedication,
	EntityProcedure,
	EntityFamilyHistory,
	EntitySocialHistory,
	EntityVitalSet,
	EntityImaging,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, et := range AllEntityTypes {
		if t == et {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a canonical record.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusResolved    Status = "resolved"
	StatusUnconfirmed Status = "unconfirmed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusResolved, StatusUnconfirmed:
		return true
	}
	return false
}

// SourceType identifies where a canonical record originated.
type SourceType string

const (
	SourceEncounterDerived  SourceType = "encounter_derived"
	SourceAttachmentDerived SourceType = "attachment_derived"
	SourceManual            SourceType = "manual"
	SourceImported          SourceType = "imported"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceEncounterDerived, SourceAttachmentDerived, SourceManual, SourceImported:
		return true
	}
	return false
}

// VisitSource identifies the origin of a single visit history entry.
type VisitSource string

const (
	VisitSourceEncounter  VisitSource = "encounter"
	VisitSourceAttachment VisitSource = "attachment"
	VisitSourceManual     VisitSource = "manual"
	VisitSourceImported   VisitSource = "imported_record"
)

func (v VisitSource) Valid() bool {
	switch v {
	case VisitSourceEncounter, VisitSourceAttachment, VisitSourceManual, VisitSourceImported:
		return true
	}
	return false
}

// VisitHistoryEntry is one immutable audit entry on a canonical record.
// Entries are only ever appended; nothing deletes or rewrites them.
type VisitHistoryEntry struct {
	Date               time.Time   `json:"date"`
	Notes              string      `json:"notes"`
	Source             VisitSource `json:"source"`
	EncounterID        *uuid.UUID  `json:"encounter_id,omitempty"`
	AttachmentID       *uuid.UUID  `json:"attachment_id,omitempty"`
	ProviderID         *uuid.UUID  `json:"provider_id,omitempty"`
	ProviderName       *string     `json:"provider_name,omitempty"`
	ChangesMade        []string    `json:"changes_made,omitempty"`
	Confidence         float64     `json:"confidence"`
	ConflictResolution *string     `json:"conflict_resolution,omitempty"`
}

// CanonicalRecord is the single authoritative stored representation of one
// clinical fact for a patient. Maps to the canonical_record table.
type CanonicalRecord struct {
	ID                         uuid.UUID           `db:"id" json:"id"`
	PatientID                  uuid.UUID           `db:"patient_id" json:"patient_id"`
	EntityType                 EntityType          `db:"entity_type" json:"entity_type"`
	PrimaryLabel               string              `db:"primary_label" json:"primary_label"`
	Attributes                 json.RawMessage     `db:"attributes" json:"attributes,omitempty"`
	Status                     Status              `db:"status" json:"status"`
	SourceType                 SourceType          `db:"source_type" json:"source_type"`
	SourceConfidence           float64             `db:"source_confidence" json:"source_confidence"`
	IsAbsenceRecord            bool                `db:"is_absence_record" json:"is_absence_record"`
	ConsolidationReasoning     *string             `db:"consolidation_reasoning" json:"consolidation_reasoning,omitempty"`
	TemporalConflictResolution *string             `db:"temporal_conflict_resolution" json:"temporal_conflict_resolution,omitempty"`
	VisitHistory               []VisitHistoryEntry `db:"visit_history" json:"visit_history"`
	CreatedAt                  time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time           `db:"updated_at" json:"updated_at"`
}

// Summary is the trimmed view of a record handed to the extraction oracle as
// matching context.
type Summary struct {
	ID              uuid.UUID  `json:"id"`
	EntityType      EntityType `json:"entity_type"`
	PrimaryLabel    string     `json:"primary_label"`
	Status          Status     `json:"status"`
	IsAbsenceRecord bool       `json:"is_absence_record"`
	LastVisitDate   *time.Time `json:"last_visit_date,omitempty"`
}

// Summarize produces the oracle-facing view of the record.
func (r *CanonicalRecord) Summarize() Summary {
	s := Summary{
		ID:              r.ID,
		EntityType:      r.EntityType,
		PrimaryLabel:    r.PrimaryLabel,
		Status:          r.Status,
		IsAbsenceRecord: r.IsAbsenceRecord,
	}
	if n := len(r.VisitHistory); n > 0 {
		d := r.VisitHistory[n-1].Date
		s.LastVisitDate = &d
	}
	return s
}

// LatestVisitDate returns the clinical date of the most recent visit entry,
// or the zero time when the history is empty.
func (r *CanonicalRecord) LatestVisitDate() time.Time {
	if n := len(r.VisitHistory); n > 0 {
		return r.VisitHistory[n-1].Date
	}
	return time.Time{}
}

// IsAbsenceLabel reports whether a label reads as a negative finding
// ("no known drug allergies", "denies tobacco use"). Used only as a fallback
// when a payload does not carry the explicit absence flag.
func IsAbsenceLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "no known") ||
		strings.HasPrefix(l, "nkda") ||
		strings.HasPrefix(l, "denies ") ||
		strings.HasPrefix(l, "negative for ")
}

// ValidateConfidence checks that a confidence score is within [0,1].
func ValidateConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", c)
	}
	return nil
}

// Validate checks the record's structural invariants before persistence.
func (r *CanonicalRecord) Validate() error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !r.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", r.EntityType)
	}
	if r.PrimaryLabel == "" {
		return fmt.Errorf("primary_label is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if !r.SourceType.Valid() {
		return fmt.Errorf("invalid source type %q", r.SourceType)
	}
	if err := ValidateConfidence(r.SourceConfidence); err != nil {
		return err
	}
	return nil
}
