package consolidation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/domain/record"
)

// scriptedExtractor returns canned changes or errors per entity type. The
// orchestrator calls it from one goroutine per section, hence the mutex.
type scriptedExtractor struct {
	mu      sync.Mutex
	changes map[record.EntityType][]ProposedChange
	errs    map[record.EntityType]error
	panics  map[record.EntityType]bool

	calls map[record.EntityType]ExtractionInput
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{
		changes: make(map[record.EntityType][]ProposedChange),
		errs:    make(map[record.EntityType]error),
		panics:  make(map[record.EntityType]bool),
		calls:   make(map[record.EntityType]ExtractionInput),
	}
}

func (s *scriptedExtractor) Extract(_ context.Context, in ExtractionInput) ([]ProposedChange, error) {
	s.mu.Lock()
	s.calls[in.EntityType] = in
	s.mu.Unlock()
	if s.panics[in.EntityType] {
		panic("scripted pipeline panic")
	}
	if err := s.errs[in.EntityType]; err != nil {
		return nil, err
	}
	return s.changes[in.EntityType], nil
}

func validCreate(label string, date time.Time) ProposedChange {
	return ProposedChange{
		Action:       ActionCreate,
		PrimaryLabel: label,
		Confidence:   0.9,
		VisitEntry:   encounterEntry(date, "documented during visit", 0.9),
	}
}

const longNote = "Patient presents for follow-up of hypertension and reports a new penicillin allergy with hives."

func TestProcessFansOutAllSections(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()
	extractor.changes[record.EntityAllergy] = []ProposedChange{validCreate("Penicillin", day(t, "2026-05-01"))}
	extractor.changes[record.EntityProblem] = []ProposedChange{validCreate("Hypertension", day(t, "2026-05-01"))}

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop())
	result, err := o.Process(context.Background(), uuid.New(), longNote, SourceRef{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !result.Success {
		t.Error("all pipelines succeeded, result should be success")
	}
	if len(result.PerEntityResults) != len(record.AllEntityTypes) {
		t.Errorf("pipeline count = %d, want %d", len(result.PerEntityResults), len(record.AllEntityTypes))
	}
	if len(extractor.calls) != len(record.AllEntityTypes) {
		t.Errorf("extraction calls = %d, want one per section", len(extractor.calls))
	}
	if result.TotalEntitiesAffected != 2 {
		t.Errorf("total entities affected = %d, want 2", result.TotalEntitiesAffected)
	}
}

func TestProcessPipelineFailureIsolated(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()
	extractor.errs[record.EntityMedication] = errors.New("model unavailable")
	extractor.changes[record.EntityAllergy] = []ProposedChange{validCreate("Penicillin", day(t, "2026-05-01"))}

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop())
	result, err := o.Process(context.Background(), uuid.New(), longNote, SourceRef{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if result.Success {
		t.Error("a failed pipeline must mark the overall result unsuccessful")
	}
	med := result.PerEntityResults[record.EntityMedication]
	if med.Error == "" {
		t.Error("failed pipeline missing error")
	}
	if med.EntitiesAffected != 0 {
		t.Error("failed pipeline contributed zero changes")
	}
	allergy := result.PerEntityResults[record.EntityAllergy]
	if allergy.Error != "" || allergy.EntitiesAffected != 1 {
		t.Errorf("sibling pipeline corrupted: %+v", allergy)
	}
}

func TestProcessRecoversPipelinePanic(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()
	extractor.panics[record.EntityImaging] = true
	extractor.changes[record.EntityProblem] = []ProposedChange{validCreate("Asthma", day(t, "2026-05-01"))}

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop())
	result, err := o.Process(context.Background(), uuid.New(), longNote, SourceRef{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	imaging := result.PerEntityResults[record.EntityImaging]
	if imaging == nil || !strings.Contains(imaging.Error, "panic") {
		t.Errorf("panic not captured: %+v", imaging)
	}
	if result.PerEntityResults[record.EntityProblem].EntitiesAffected != 1 {
		t.Error("sibling pipeline lost its changes")
	}
}

func TestProcessGuardrailSkipsShortText(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop())
	result, err := o.Process(context.Background(), uuid.New(), "  hi  ", SourceRef{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !result.Success {
		t.Error("guardrail skip should still be a successful result")
	}
	if len(result.PerEntityResults) != 0 {
		t.Errorf("guardrail ran %d pipelines, want 0", len(result.PerEntityResults))
	}
	if len(extractor.calls) != 0 {
		t.Error("guardrail must not invoke the oracle")
	}
}

func TestProcessDropsInvalidChanges(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()
	extractor.changes[record.EntityProblem] = []ProposedChange{
		validCreate("Hypertension", day(t, "2026-05-01")),
		{Action: ActionUpdate, Confidence: 0.9, VisitEntry: encounterEntry(day(t, "2026-05-01"), "no ref", 0.9)},
		{Action: Action("erase_all"), Confidence: 0.9},
	}

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop(), WithEntityTypes(record.EntityProblem))
	result, err := o.Process(context.Background(), uuid.New(), longNote, SourceRef{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	res := result.PerEntityResults[record.EntityProblem]
	if res.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", res.Dropped)
	}
	if res.EntitiesAffected != 1 {
		t.Errorf("entities affected = %d, want 1", res.EntitiesAffected)
	}
}

func TestProcessPassesExistingRecordsToOracle(t *testing.T) {
	repo := newMockRecordRepo()
	patientID := uuid.New()
	seedRecord(t, repo, patientID, record.EntityAllergy, "No known drug allergies", true, day(t, "2026-01-01"))
	extractor := newScriptedExtractor()

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop(), WithEntityTypes(record.EntityAllergy))
	if _, err := o.Process(context.Background(), patientID, longNote, SourceRef{}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	in := extractor.calls[record.EntityAllergy]
	if len(in.ExistingRecords) != 1 {
		t.Fatalf("existing records = %d, want 1", len(in.ExistingRecords))
	}
	if !in.ExistingRecords[0].IsAbsenceRecord {
		t.Error("absence flag missing from oracle context")
	}
	if in.TriggerType != record.VisitSourceEncounter {
		t.Errorf("trigger type = %q, want encounter", in.TriggerType)
	}
}

func TestProcessAttachmentTrigger(t *testing.T) {
	repo := newMockRecordRepo()
	extractor := newScriptedExtractor()
	attID := uuid.New()

	o := NewOrchestrator(extractor, testEngine(repo), repo, zerolog.Nop(), WithEntityTypes(record.EntityImaging))
	if _, err := o.Process(context.Background(), uuid.New(), longNote, SourceRef{AttachmentID: &attID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := extractor.calls[record.EntityImaging].TriggerType; got != record.VisitSourceAttachment {
		t.Errorf("trigger type = %q, want attachment", got)
	}
}

func TestProcessNilPatient(t *testing.T) {
	o := NewOrchestrator(newScriptedExtractor(), testEngine(newMockRecordRepo()), newMockRecordRepo(), zerolog.Nop())
	if _, err := o.Process(context.Background(), uuid.Nil, longNote, SourceRef{}); err == nil {
		t.Fatal("expected error for nil patient id")
	}
}
