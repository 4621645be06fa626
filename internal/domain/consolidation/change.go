package consolidation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chartflow/chartflow/internal/domain/record"
)

// Action is the kind of mutation a proposed change requests.
type Action string

const (
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionConsolidate     Action = "consolidate"
	ActionResolveConflict Action = "resolve_conflict"
	ActionDocumentAbsence Action = "document_absence"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionConsolidate, ActionResolveConflict, ActionDocumentAbsence:
		return true
	}
	return false
}

// RequiresExisting reports whether the action must reference an existing
// canonical record.
func (a Action) RequiresExisting() bool {
	switch a {
	case ActionUpdate, ActionConsolidate, ActionResolveConflict:
		return true
	}
	return false
}

// ProposedChange is one oracle-emitted instruction against a patient's
// canonical records. It is ephemeral: the engine turns it into record
// mutations and it is never persisted as-is.
type ProposedChange struct {
	Action                     Action                   `json:"action"`
	ExistingRecordID           *uuid.UUID               `json:"existing_record_id,omitempty"`
	PrimaryLabel               string                   `json:"primary_label,omitempty"`
	Attributes                 json.RawMessage          `json:"attributes,omitempty"`
	Status                     record.Status            `json:"status,omitempty"`
	IsAbsenceRecord            *bool                    `json:"is_absence_record,omitempty"`
	Confidence                 float64                  `json:"confidence"`
	ConsolidationReasoning     *string                  `json:"consolidation_reasoning,omitempty"`
	TemporalConflictResolution *string                  `json:"temporal_conflict_resolution,omitempty"`
	VisitEntry                 record.VisitHistoryEntry `json:"visit_entry"`
}

// Validate checks the change against the schema for the given entity type and
// canonicalizes its attribute payload, dropping unknown fields. Invalid
// changes are dropped before they reach the engine.
func (c *ProposedChange) Validate(t record.EntityType) error {
	if !c.Action.Valid() {
		return fmt.Errorf("invalid action %q", c.Action)
	}
	if c.Action.RequiresExisting() && c.ExistingRecordID == nil {
		return fmt.Errorf("%s change requires existing_record_id", c.Action)
	}
	if c.Action == ActionCreate || c.Action == ActionDocumentAbsence || c.Action == ActionResolveConflict {
		if c.PrimaryLabel == "" {
			return fmt.Errorf("%s change requires primary_label", c.Action)
		}
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	if err := record.ValidateConfidence(c.Confidence); err != nil {
		return err
	}
	if err := record.ValidateConfidence(c.VisitEntry.Confidence); err != nil {
		return fmt.Errorf("visit entry: %w", err)
	}
	if !c.VisitEntry.Source.Valid() {
		return fmt.Errorf("invalid visit entry source %q", c.VisitEntry.Source)
	}
	if c.VisitEntry.Date.IsZero() {
		return fmt.Errorf("visit entry date is required")
	}

	attrs, err := record.CanonicalizeAttributes(t, c.Attributes)
	if err != nil {
		return err
	}
	c.Attributes = attrs
	return nil
}

// Absence reports whether the change describes a negative finding, using the
// explicit flag when present and falling back to the label heuristic for
// payloads that omit it.
func (c *ProposedChange) Absence() bool {
	if c.IsAbsenceRecord != nil {
		return *c.IsAbsenceRecord
	}
	if c.Action == ActionDocumentAbsence {
		return true
	}
	return record.IsAbsenceLabel(c.PrimaryLabel)
}

// ChangeOutcome is the per-change result of a consolidation pass: one outcome
// per input change, success or failure with reason.
type ChangeOutcome struct {
	Success  bool       `json:"success"`
	Action   Action     `json:"action"`
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}
