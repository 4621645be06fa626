package consolidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/domain/record"
)

// ErrMissingReference marks a change whose existing_record_id does not resolve
// to a record owned by the scoped patient. Non-fatal: the change is skipped
// and siblings still apply.
var ErrMissingReference = errors.New("existing record reference not found for patient")

// Scope identifies the patient (and optionally the encounter) a consolidation
// pass runs against.
type Scope struct {
	PatientID   uuid.UUID
	EncounterID *uuid.UUID
}

// Engine deterministically turns proposed changes into canonical record
// mutations for one {patient, entityType} scope. Changes apply in array
// order; the oracle's output order is treated as already conflict-aware.
type Engine struct {
	records record.Repository
	logger  zerolog.Logger
}

func NewEngine(records record.Repository, logger zerolog.Logger) *Engine {
	return &Engine{records: records, logger: logger}
}

// Apply runs the batch inside the (patient, entityType) write lock and
// returns one outcome per input change. Per-change failures (missing
// reference, validation, persistence) are captured in the outcome; only a
// lock or transaction failure fails the batch.
func (e *Engine) Apply(ctx context.Context, t record.EntityType, changes []ProposedChange, scope Scope) ([]ChangeOutcome, error) {
	if scope.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", t)
	}

	outcomes := make([]ChangeOutcome, len(changes))
	err := e.records.WithPatientTypeLock(ctx, scope.PatientID, t, func(ctx context.Context) error {
		for i := range changes {
			c := &changes[i]
			var id *uuid.UUID
			// Each change gets its own savepoint: a rejected statement
			// must not abort the lock transaction or undo siblings.
			err := e.records.WithSavepoint(ctx, func(ctx context.Context) error {
				var applyErr error
				id, applyErr = e.applyOne(ctx, t, c, scope)
				return applyErr
			})
			outcomes[i] = ChangeOutcome{Action: c.Action, RecordID: id}
			if err != nil {
				outcomes[i].Error = err.Error()
				e.logger.Warn().
					Err(err).
					Str("patient_id", scope.PatientID.String()).
					Str("entity_type", string(t)).
					Str("action", string(c.Action)).
					Msg("change skipped")
				continue
			}
			outcomes[i].Success = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consolidation pass for %s: %w", t, err)
	}
	return outcomes, nil
}

func (e *Engine) applyOne(ctx context.Context, t record.EntityType, c *ProposedChange, scope Scope) (*uuid.UUID, error) {
	switch c.Action {
	case ActionCreate, ActionDocumentAbsence:
		return e.applyCreate(ctx, t, c, scope)
	case ActionUpdate, ActionConsolidate:
		return e.applyUpdate(ctx, t, c, scope)
	case ActionResolveConflict:
		return e.applyResolveConflict(ctx, t, c, scope)
	default:
		return nil, fmt.Errorf("unsupported action %q", c.Action)
	}
}

func (e *Engine) applyCreate(ctx context.Context, t record.EntityType, c *ProposedChange, scope Scope) (*uuid.UUID, error) {
	rec := e.buildRecord(t, c, scope)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := e.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return &rec.ID, nil
}

func (e *Engine) applyUpdate(ctx context.Context, t record.EntityType, c *ProposedChange, scope Scope) (*uuid.UUID, error) {
	existing, err := e.resolveExisting(ctx, c, scope)
	if err != nil {
		return nil, err
	}

	applyScalars(existing, c, t)
	entry := e.visitEntry(c, scope)
	if err := e.records.Update(ctx, existing, entry); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return &existing.ID, nil
}

// applyResolveConflict settles a timeline conflict between an existing record
// and the statement the change carries. The temporally later statement wins;
// the earlier one is marked resolved rather than deleted, and the conflict
// narrative lands on both records' latest visit entries. Record supersession
// only triggers when one side is a negative finding (absence vs. positive, in
// either direction); otherwise the change degrades to an annotated update.
func (e *Engine) applyResolveConflict(ctx context.Context, t record.EntityType, c *ProposedChange, scope Scope) (*uuid.UUID, error) {
	existing, err := e.resolveExisting(ctx, c, scope)
	if err != nil {
		return nil, err
	}

	incomingDate := c.VisitEntry.Date
	existingDate := existing.LatestVisitDate()
	incomingWins := incomingDate.After(existingDate)

	narrative := e.conflictNarrative(c, existing, incomingWins)
	absenceConflict := existing.IsAbsenceRecord || c.Absence()

	if !absenceConflict {
		// No placeholder involved: annotate the existing record instead of
		// superseding it.
		applyScalars(existing, c, t)
		existing.TemporalConflictResolution = &narrative
		entry := e.visitEntry(c, scope)
		entry.ConflictResolution = &narrative
		if err := e.records.Update(ctx, existing, entry); err != nil {
			return nil, fmt.Errorf("persist record: %w", err)
		}
		return &existing.ID, nil
	}

	// Annotate the existing record. Its scalar fields stay what they were;
	// only status and the conflict narrative change.
	existing.TemporalConflictResolution = &narrative
	existingEntry := record.VisitHistoryEntry{
		Date:               incomingDate,
		Notes:              narrative,
		Source:             c.VisitEntry.Source,
		EncounterID:        c.VisitEntry.EncounterID,
		AttachmentID:       c.VisitEntry.AttachmentID,
		Confidence:         c.Confidence,
		ConflictResolution: &narrative,
	}
	if incomingWins {
		existing.Status = record.StatusResolved
		existingEntry.ChangesMade = []string{"status_resolved", "conflict_recorded"}
	} else {
		existingEntry.ChangesMade = []string{"conflict_recorded"}
	}
	if err := e.records.Update(ctx, existing, existingEntry); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}

	// Create the record for the incoming statement. It is active only when
	// it is the temporally later one.
	rec := e.buildRecord(t, c, scope)
	if incomingWins {
		rec.Status = record.StatusActive
	} else {
		rec.Status = record.StatusResolved
	}
	rec.TemporalConflictResolution = &narrative
	rec.VisitHistory[0].ConflictResolution = &narrative
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := e.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return &rec.ID, nil
}

func (e *Engine) resolveExisting(ctx context.Context, c *ProposedChange, scope Scope) (*record.CanonicalRecord, error) {
	if c.ExistingRecordID == nil {
		return nil, fmt.Errorf("%w: no existing_record_id on %s change", ErrMissingReference, c.Action)
	}
	existing, err := e.records.GetForPatient(ctx, scope.PatientID, *c.ExistingRecordID)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMissingReference, c.ExistingRecordID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve record %s: %w", c.ExistingRecordID, err)
	}
	return existing, nil
}

func (e *Engine) buildRecord(t record.EntityType, c *ProposedChange, scope Scope) *record.CanonicalRecord {
	entry := e.visitEntry(c, scope)
	status := c.Status
	if status == "" {
		status = record.StatusActive
	}
	return &record.CanonicalRecord{
		ID:                         uuid.New(),
		PatientID:                  scope.PatientID,
		EntityType:                 t,
		PrimaryLabel:               c.PrimaryLabel,
		Attributes:                 c.Attributes,
		Status:                     status,
		SourceType:                 sourceTypeFor(c.VisitEntry.Source),
		SourceConfidence:           c.Confidence,
		IsAbsenceRecord:            c.Absence(),
		ConsolidationReasoning:     c.ConsolidationReasoning,
		TemporalConflictResolution: c.TemporalConflictResolution,
		VisitHistory:               []record.VisitHistoryEntry{entry},
	}
}

func (e *Engine) visitEntry(c *ProposedChange, scope Scope) record.VisitHistoryEntry {
	entry := c.VisitEntry
	if entry.EncounterID == nil && entry.Source == record.VisitSourceEncounter {
		entry.EncounterID = scope.EncounterID
	}
	if entry.Confidence == 0 {
		entry.Confidence = c.Confidence
	}
	return entry
}

func (e *Engine) conflictNarrative(c *ProposedChange, existing *record.CanonicalRecord, incomingWins bool) string {
	if c.TemporalConflictResolution != nil && *c.TemporalConflictResolution != "" {
		return *c.TemporalConflictResolution
	}
	incoming := c.VisitEntry.Date.Format("2006-01-02")
	prior := existing.LatestVisitDate().Format("2006-01-02")
	if incomingWins {
		return fmt.Sprintf("%q dated %s supersedes %q dated %s; earlier statement marked resolved",
			c.PrimaryLabel, incoming, existing.PrimaryLabel, prior)
	}
	return fmt.Sprintf("%q dated %s predates %q dated %s; later statement remains active",
		c.PrimaryLabel, incoming, existing.PrimaryLabel, prior)
}

// applyScalars overwrites scalar fields with the change's values when
// present, retaining prior values otherwise. Visit history is never touched
// here; it only grows through Repository.Update appends.
func applyScalars(rec *record.CanonicalRecord, c *ProposedChange, t record.EntityType) {
	if c.PrimaryLabel != "" {
		rec.PrimaryLabel = c.PrimaryLabel
	}
	if len(c.Attributes) > 0 {
		rec.Attributes = c.Attributes
	}
	if c.Status != "" {
		rec.Status = c.Status
	}
	if c.IsAbsenceRecord != nil {
		rec.IsAbsenceRecord = *c.IsAbsenceRecord
	}
	if c.ConsolidationReasoning != nil {
		rec.ConsolidationReasoning = c.ConsolidationReasoning
	}
	if c.TemporalConflictResolution != nil {
		rec.TemporalConflictResolution = c.TemporalConflictResolution
	}
	rec.SourceConfidence = resolveConfidence(t, c.Action, rec.SourceConfidence, c.Confidence)
}

// resolveConfidence picks the stored confidence after an update. Never an
// average: point-in-time measurements (vitals, imaging) take the newest
// determination, long-lived facts keep the higher value on consolidation
// since the merge corroborates the fact, and everything else takes the most
// recent determination. A zero incoming confidence retains the prior value.
func resolveConfidence(t record.EntityType, a Action, prior, incoming float64) float64 {
	if incoming == 0 {
		return prior
	}
	switch t {
	case record.EntityVitalSet, record.EntityImaging:
		return incoming
	}
	if a == ActionConsolidate && prior > incoming {
		return prior
	}
	return incoming
}

func sourceTypeFor(v record.VisitSource) record.SourceType {
	switch v {
	case record.VisitSourceAttachment:
		return record.SourceAttachmentDerived
	case record.VisitSourceManual:
		return record.SourceManual
	case record.VisitSourceImported:
		return record.SourceImported
	default:
		return record.SourceEncounterDerived
	}
}
