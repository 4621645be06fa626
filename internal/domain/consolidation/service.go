package consolidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/domain/encounter"
	"github.com/chartflow/chartflow/internal/domain/record"
)

// ErrEncounterSigned is returned when automatic processing is attempted
// against a finalized encounter. Post-signature edits go through the
// amendment flow, not this engine.
var ErrEncounterSigned = errors.New("encounter is signed; automatic processing not permitted")

// Service ties the encounter lifecycle to the consolidation pipeline:
// dictation-stop and edit events run the orchestrator through the tracker's
// idempotency check, signing clears tracker state.
type Service struct {
	orchestrator *Orchestrator
	tracker      *Tracker
	encounters   encounter.Repository
	records      record.Repository
	logger       zerolog.Logger
}

func NewService(orchestrator *Orchestrator, tracker *Tracker, encounters encounter.Repository, records record.Repository, logger zerolog.Logger) *Service {
	return &Service{
		orchestrator: orchestrator,
		tracker:      tracker,
		encounters:   encounters,
		records:      records,
		logger:       logger,
	}
}

// OpenEncounter starts a new open encounter for the patient.
func (s *Service) OpenEncounter(ctx context.Context, patientID uuid.UUID) (*encounter.Encounter, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required")
	}
	enc := &encounter.Encounter{PatientID: patientID, Status: encounter.StatusOpen}
	if err := s.encounters.Create(ctx, enc); err != nil {
		return nil, fmt.Errorf("create encounter: %w", err)
	}
	return enc, nil
}

// ProcessDictation handles the recording/dictation-stop event for an
// encounter. The first pass for an encounter always executes.
func (s *Service) ProcessDictation(ctx context.Context, patientID, encounterID uuid.UUID, transcript string) (*ChartProcessingResult, error) {
	return s.processEncounterText(ctx, patientID, encounterID, transcript)
}

// ProcessEdit handles a manual edit to an encounter's text. Runs the
// pipeline only when the tracker sees changed content; otherwise it is a
// no-op that still returns a well-formed empty result.
func (s *Service) ProcessEdit(ctx context.Context, patientID, encounterID uuid.UUID, transcript string) (*ChartProcessingResult, error) {
	return s.processEncounterText(ctx, patientID, encounterID, transcript)
}

func (s *Service) processEncounterText(ctx context.Context, patientID, encounterID uuid.UUID, transcript string) (*ChartProcessingResult, error) {
	enc, err := s.encounters.GetByID(ctx, encounterID)
	if err != nil {
		return nil, fmt.Errorf("load encounter %s: %w", encounterID, err)
	}
	if enc.Signed() {
		return nil, ErrEncounterSigned
	}
	if enc.PatientID != patientID {
		return nil, fmt.Errorf("encounter %s does not belong to patient %s", encounterID, patientID)
	}

	decision := s.tracker.ShouldProcess(ctx, encounterID, transcript)
	if !decision.Process {
		s.logger.Debug().Str("encounter_id", encounterID.String()).
			Str("reason", decision.Reason).Msg("processing skipped")
		return &ChartProcessingResult{
			Success:          true,
			PerEntityResults: map[record.EntityType]*EntityResult{},
		}, nil
	}
	s.logger.Info().Str("encounter_id", encounterID.String()).
		Str("tier", string(decision.Tier)).Msg("processing encounter text")

	result, err := s.orchestrator.Process(ctx, patientID, transcript, SourceRef{EncounterID: &encounterID})
	if err != nil {
		return nil, err
	}

	if err := s.tracker.RecordResult(ctx, encounterID, transcript, result); err != nil {
		// Best-effort: a lost tracker write only causes reprocessing.
		s.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).
			Msg("failed to record processing state")
	}
	return result, nil
}

// ProcessAttachment handles a document-ready event (scanned document, OCR
// output). Attachments have no encounter lifecycle; the pipeline runs
// unconditionally.
func (s *Service) ProcessAttachment(ctx context.Context, patientID, attachmentID uuid.UUID, text string) (*ChartProcessingResult, error) {
	return s.orchestrator.Process(ctx, patientID, text, SourceRef{AttachmentID: &attachmentID})
}

// Sign finalizes the encounter and drops its processing state. Subsequent
// processing attempts return ErrEncounterSigned.
func (s *Service) Sign(ctx context.Context, encounterID uuid.UUID, signedBy *uuid.UUID) error {
	if err := s.encounters.MarkSigned(ctx, encounterID, signedBy); err != nil {
		return fmt.Errorf("sign encounter %s: %w", encounterID, err)
	}
	if err := s.tracker.Clear(ctx, encounterID); err != nil {
		s.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).
			Msg("failed to clear processing state")
	}
	return nil
}

// ChartSection lists a patient's canonical records for one entity type.
func (s *Service) ChartSection(ctx context.Context, patientID uuid.UUID, t record.EntityType, limit, offset int) ([]*record.CanonicalRecord, int, error) {
	if !t.Valid() {
		return nil, 0, fmt.Errorf("invalid entity type %q", t)
	}
	return s.records.ListByPatientAndType(ctx, patientID, t, limit, offset)
}
