package consolidation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/domain/record"
)

// mockRecordRepo is an in-memory Repository. Update mirrors the Postgres
// implementation: scalars overwritten, exactly one visit entry appended.
type mockRecordRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*record.CanonicalRecord

	createErr error
	updateErr error
	lockErr   error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*record.CanonicalRecord)}
}

func copyRecord(rec *record.CanonicalRecord) *record.CanonicalRecord {
	cp := *rec
	cp.VisitHistory = append([]record.VisitHistoryEntry(nil), rec.VisitHistory...)
	return &cp
}

func (m *mockRecordRepo) Create(_ context.Context, rec *record.CanonicalRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*record.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *mockRecordRepo) GetForPatient(_ context.Context, patientID, id uuid.UUID) (*record.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.PatientID != patientID {
		return nil, record.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *mockRecordRepo) ListByPatientAndType(_ context.Context, patientID uuid.UUID, t record.EntityType, limit, offset int) ([]*record.CanonicalRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.CanonicalRecord
	for _, rec := range m.records {
		if rec.PatientID == patientID && rec.EntityType == t {
			out = append(out, copyRecord(rec))
		}
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRecordRepo) Update(_ context.Context, rec *record.CanonicalRecord, entry record.VisitHistoryEntry) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.ID]
	if !ok {
		return record.ErrNotFound
	}
	history := append(stored.VisitHistory, entry)
	updated := copyRecord(rec)
	updated.VisitHistory = history
	m.records[rec.ID] = updated
	return nil
}

func (m *mockRecordRepo) WithPatientTypeLock(ctx context.Context, _ uuid.UUID, _ record.EntityType, fn func(ctx context.Context) error) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	return fn(ctx)
}

// WithSavepoint mirrors the Postgres implementation: a failed unit of work
// leaves no partial writes behind.
func (m *mockRecordRepo) WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*record.CanonicalRecord, len(m.records))
	for id, rec := range m.records {
		snapshot[id] = copyRecord(rec)
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.records = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockRecordRepo) get(t *testing.T, id uuid.UUID) *record.CanonicalRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		t.Fatalf("record %s not found in store", id)
	}
	return copyRecord(rec)
}

func testEngine(repo *mockRecordRepo) *Engine {
	return NewEngine(repo, zerolog.Nop())
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func encounterEntry(date time.Time, notes string, conf float64) record.VisitHistoryEntry {
	return record.VisitHistoryEntry{
		Date:       date,
		Notes:      notes,
		Source:     record.VisitSourceEncounter,
		Confidence: conf,
	}
}

func seedRecord(t *testing.T, repo *mockRecordRepo, patientID uuid.UUID, et record.EntityType, label string, absence bool, visitDate time.Time) *record.CanonicalRecord {
	t.Helper()
	rec := &record.CanonicalRecord{
		ID:               uuid.New(),
		PatientID:        patientID,
		EntityType:       et,
		PrimaryLabel:     label,
		Status:           record.StatusActive,
		SourceType:       record.SourceEncounterDerived,
		SourceConfidence: 0.9,
		IsAbsenceRecord:  absence,
		VisitHistory: []record.VisitHistoryEntry{
			encounterEntry(visitDate, "initial documentation", 0.9),
		},
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestApplyCreate(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	encID := uuid.New()

	changes := []ProposedChange{{
		Action:       ActionCreate,
		PrimaryLabel: "Penicillin",
		Attributes:   json.RawMessage(`{"allergen":"penicillin","reaction":"hives","severity":"moderate"}`),
		Confidence:   0.92,
		VisitEntry:   encounterEntry(day(t, "2026-03-10"), "patient reports hives after penicillin", 0.92),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID, EncounterID: &encID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("expected one successful outcome, got %+v", outcomes)
	}
	if outcomes[0].RecordID == nil {
		t.Fatal("expected record id on outcome")
	}

	rec := repo.get(t, *outcomes[0].RecordID)
	if rec.PrimaryLabel != "Penicillin" {
		t.Errorf("primary label = %q, want Penicillin", rec.PrimaryLabel)
	}
	if rec.Status != record.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.SourceType != record.SourceEncounterDerived {
		t.Errorf("source type = %q, want encounter_derived", rec.SourceType)
	}
	if rec.IsAbsenceRecord {
		t.Error("positive finding flagged as absence record")
	}
	if len(rec.VisitHistory) != 1 {
		t.Fatalf("visit history length = %d, want 1", len(rec.VisitHistory))
	}
	if got := rec.VisitHistory[0].EncounterID; got == nil || *got != encID {
		t.Errorf("visit entry encounter id = %v, want %s", got, encID)
	}
}

func TestApplyUpdateAppendsOneEntry(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityMedication, "Lisinopril 10mg", false, day(t, "2026-01-05"))

	changes := []ProposedChange{{
		Action:           ActionUpdate,
		ExistingRecordID: &existing.ID,
		PrimaryLabel:     "Lisinopril 20mg",
		Attributes:       json.RawMessage(`{"dosage":"20mg","frequency":"daily"}`),
		Confidence:       0.88,
		VisitEntry:       encounterEntry(day(t, "2026-04-12"), "dose increased to 20mg", 0.88),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityMedication, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	rec := repo.get(t, existing.ID)
	if rec.PrimaryLabel != "Lisinopril 20mg" {
		t.Errorf("primary label = %q, want Lisinopril 20mg", rec.PrimaryLabel)
	}
	if len(rec.VisitHistory) != 2 {
		t.Fatalf("visit history length = %d, want 2", len(rec.VisitHistory))
	}
	if rec.VisitHistory[0].Notes != "initial documentation" {
		t.Error("prior visit entry was rewritten")
	}
	if rec.SourceConfidence != 0.88 {
		t.Errorf("source confidence = %v, want 0.88", rec.SourceConfidence)
	}
}

func TestApplyResolveConflictAbsenceSuperseded(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	nkda := seedRecord(t, repo, patientID, record.EntityAllergy, "No known drug allergies", true, day(t, "2026-01-15"))

	changes := []ProposedChange{{
		Action:           ActionResolveConflict,
		ExistingRecordID: &nkda.ID,
		PrimaryLabel:     "Penicillin",
		Attributes:       json.RawMessage(`{"allergen":"penicillin","reaction":"rash"}`),
		Confidence:       0.9,
		VisitEntry:       encounterEntry(day(t, "2026-06-20"), "new penicillin allergy reported", 0.9),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	old := repo.get(t, nkda.ID)
	if old.Status != record.StatusResolved {
		t.Errorf("superseded record status = %q, want resolved", old.Status)
	}
	if old.PrimaryLabel != "No known drug allergies" {
		t.Errorf("superseded record label rewritten to %q", old.PrimaryLabel)
	}
	if len(old.VisitHistory) != 2 {
		t.Fatalf("superseded record history length = %d, want 2", len(old.VisitHistory))
	}
	last := old.VisitHistory[len(old.VisitHistory)-1]
	if last.ConflictResolution == nil || *last.ConflictResolution == "" {
		t.Error("superseded record missing conflict narrative")
	}
	if old.TemporalConflictResolution == nil {
		t.Error("superseded record missing temporal_conflict_resolution")
	}

	newRec := repo.get(t, *outcomes[0].RecordID)
	if newRec.ID == nkda.ID {
		t.Fatal("resolve_conflict overwrote the existing record instead of creating a new one")
	}
	if newRec.Status != record.StatusActive {
		t.Errorf("winning record status = %q, want active", newRec.Status)
	}
	if newRec.IsAbsenceRecord {
		t.Error("positive finding flagged as absence record")
	}
	if newRec.VisitHistory[0].ConflictResolution == nil {
		t.Error("winning record missing conflict narrative")
	}
}

func TestApplyResolveConflictAbsenceSupersedesPositive(t *testing.T) {
	// A later NKDA statement resolves an earlier positive allergy.
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	penicillin := seedRecord(t, repo, patientID, record.EntityAllergy, "Penicillin", false, day(t, "2026-02-01"))

	flag := true
	changes := []ProposedChange{{
		Action:           ActionResolveConflict,
		ExistingRecordID: &penicillin.ID,
		PrimaryLabel:     "No known drug allergies",
		IsAbsenceRecord:  &flag,
		Confidence:       0.9,
		VisitEntry:       encounterEntry(day(t, "2026-08-01"), "patient states no drug allergies", 0.9),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	old := repo.get(t, penicillin.ID)
	if old.Status != record.StatusResolved {
		t.Errorf("superseded allergy status = %q, want resolved", old.Status)
	}
	if old.TemporalConflictResolution == nil || *old.TemporalConflictResolution == "" {
		t.Error("superseded allergy missing conflict narrative")
	}

	nkda := repo.get(t, *outcomes[0].RecordID)
	if nkda.Status != record.StatusActive {
		t.Errorf("NKDA record status = %q, want active", nkda.Status)
	}
	if !nkda.IsAbsenceRecord {
		t.Error("NKDA record not flagged as absence")
	}
	if nkda.TemporalConflictResolution == nil || *nkda.TemporalConflictResolution == "" {
		t.Error("NKDA record missing conflict narrative")
	}
}

func TestApplyResolveConflictDateReversed(t *testing.T) {
	// The absence statement is newer than the incoming positive finding, so
	// the existing record stays active and the incoming one lands resolved.
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	nkda := seedRecord(t, repo, patientID, record.EntityAllergy, "No known drug allergies", true, day(t, "2026-06-20"))

	changes := []ProposedChange{{
		Action:           ActionResolveConflict,
		ExistingRecordID: &nkda.ID,
		PrimaryLabel:     "Penicillin",
		Confidence:       0.85,
		VisitEntry:       encounterEntry(day(t, "2026-01-15"), "old referral letter mentions penicillin allergy", 0.85),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	old := repo.get(t, nkda.ID)
	if old.Status != record.StatusActive {
		t.Errorf("later statement status = %q, want active", old.Status)
	}
	if len(old.VisitHistory) != 2 {
		t.Fatalf("existing record history length = %d, want 2", len(old.VisitHistory))
	}
	if old.TemporalConflictResolution == nil || !strings.Contains(*old.TemporalConflictResolution, "predates") {
		t.Errorf("narrative = %v, want a predates narrative", old.TemporalConflictResolution)
	}

	newRec := repo.get(t, *outcomes[0].RecordID)
	if newRec.Status != record.StatusResolved {
		t.Errorf("earlier statement status = %q, want resolved", newRec.Status)
	}
}

func TestApplyResolveConflictNoAbsenceAnnotates(t *testing.T) {
	// Two positive statements: no supersession, the existing record absorbs
	// the change with a conflict note.
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityProblem, "Hypertension, controlled", false, day(t, "2026-02-01"))

	changes := []ProposedChange{{
		Action:           ActionResolveConflict,
		ExistingRecordID: &existing.ID,
		PrimaryLabel:     "Hypertension, uncontrolled",
		Confidence:       0.9,
		VisitEntry:       encounterEntry(day(t, "2026-07-01"), "BP elevated despite therapy", 0.9),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityProblem, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}
	if got := *outcomes[0].RecordID; got != existing.ID {
		t.Fatalf("annotating resolve created a new record %s", got)
	}

	rec := repo.get(t, existing.ID)
	if rec.PrimaryLabel != "Hypertension, uncontrolled" {
		t.Errorf("primary label = %q", rec.PrimaryLabel)
	}
	if rec.Status != record.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.TemporalConflictResolution == nil {
		t.Error("missing conflict narrative")
	}
}

func TestApplyMissingReferenceSkipsOnlyThatChange(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	missing := uuid.New()

	changes := []ProposedChange{
		{
			Action:           ActionUpdate,
			ExistingRecordID: &missing,
			PrimaryLabel:     "Metformin",
			Confidence:       0.9,
			VisitEntry:       encounterEntry(day(t, "2026-05-01"), "dose adjusted", 0.9),
		},
		{
			Action:       ActionCreate,
			PrimaryLabel: "Atorvastatin 40mg",
			Confidence:   0.9,
			VisitEntry:   encounterEntry(day(t, "2026-05-01"), "started atorvastatin", 0.9),
		},
	}

	outcomes, err := engine.Apply(context.Background(), record.EntityMedication, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcomes[0].Success {
		t.Error("change with dangling reference should fail")
	}
	if outcomes[0].Error == "" {
		t.Error("failed outcome should carry a reason")
	}
	if !outcomes[1].Success {
		t.Errorf("sibling change should still apply: %s", outcomes[1].Error)
	}
}

func TestApplyForeignPatientRecordUnreachable(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	owner := uuid.New()
	other := uuid.New()
	foreign := seedRecord(t, repo, owner, record.EntityProblem, "Asthma", false, day(t, "2026-01-01"))

	changes := []ProposedChange{{
		Action:           ActionUpdate,
		ExistingRecordID: &foreign.ID,
		PrimaryLabel:     "Asthma, severe",
		Confidence:       0.9,
		VisitEntry:       encounterEntry(day(t, "2026-05-01"), "worsening", 0.9),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityProblem, changes, Scope{PatientID: other})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcomes[0].Success {
		t.Fatal("cross-patient reference must not resolve")
	}

	rec := repo.get(t, foreign.ID)
	if rec.PrimaryLabel != "Asthma" {
		t.Error("foreign patient's record was modified")
	}
}

func TestApplyDocumentAbsence(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()

	flag := true
	changes := []ProposedChange{{
		Action:          ActionDocumentAbsence,
		PrimaryLabel:    "No known drug allergies",
		IsAbsenceRecord: &flag,
		Confidence:      0.95,
		VisitEntry:      encounterEntry(day(t, "2026-03-01"), "allergies reviewed, none reported", 0.95),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	rec := repo.get(t, *outcomes[0].RecordID)
	if !rec.IsAbsenceRecord {
		t.Error("absence record not flagged")
	}
	if rec.Status != record.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
}

func TestApplyConsolidateKeepsHigherConfidence(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityProblem, "Type 2 diabetes", false, day(t, "2026-01-01"))

	changes := []ProposedChange{{
		Action:           ActionConsolidate,
		ExistingRecordID: &existing.ID,
		Confidence:       0.6,
		VisitEntry:       encounterEntry(day(t, "2026-05-01"), "diabetes mentioned again", 0.6),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityProblem, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	rec := repo.get(t, existing.ID)
	if rec.SourceConfidence != 0.9 {
		t.Errorf("consolidate lowered confidence from 0.9 to %v", rec.SourceConfidence)
	}
	if len(rec.VisitHistory) != 2 {
		t.Errorf("visit history length = %d, want 2", len(rec.VisitHistory))
	}
}

func TestApplyVitalsTakeNewestConfidence(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityVitalSet, "Vitals 2026-01-01", false, day(t, "2026-01-01"))

	changes := []ProposedChange{{
		Action:           ActionUpdate,
		ExistingRecordID: &existing.ID,
		Confidence:       0.5,
		VisitEntry:       encounterEntry(day(t, "2026-05-01"), "corrected reading", 0.5),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityVitalSet, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	rec := repo.get(t, existing.ID)
	if rec.SourceConfidence != 0.5 {
		t.Errorf("vitals confidence = %v, want newest determination 0.5", rec.SourceConfidence)
	}
}

func TestApplyZeroConfidenceRetainsPrior(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityProblem, "Migraine", false, day(t, "2026-01-01"))

	changes := []ProposedChange{{
		Action:           ActionUpdate,
		ExistingRecordID: &existing.ID,
		VisitEntry:       encounterEntry(day(t, "2026-05-01"), "mentioned without certainty", 0),
	}}

	outcomes, err := engine.Apply(context.Background(), record.EntityProblem, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("outcome failed: %s", outcomes[0].Error)
	}

	rec := repo.get(t, existing.ID)
	if rec.SourceConfidence != 0.9 {
		t.Errorf("confidence = %v, want retained 0.9", rec.SourceConfidence)
	}
}

func TestApplyOrderedWithinBatch(t *testing.T) {
	// A create followed by an update referencing nothing confirms changes
	// run in array order with independent outcomes.
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	existing := seedRecord(t, repo, patientID, record.EntityProblem, "GERD", false, day(t, "2026-01-01"))

	changes := []ProposedChange{
		{
			Action:       ActionCreate,
			PrimaryLabel: "Seasonal allergies",
			Confidence:   0.8,
			VisitEntry:   encounterEntry(day(t, "2026-05-01"), "new complaint", 0.8),
		},
		{
			Action:           ActionUpdate,
			ExistingRecordID: &existing.ID,
			Status:           record.StatusResolved,
			Confidence:       0.85,
			VisitEntry:       encounterEntry(day(t, "2026-05-01"), "GERD resolved on PPI", 0.85),
		},
	}

	outcomes, err := engine.Apply(context.Background(), record.EntityProblem, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcome count = %d, want 2", len(outcomes))
	}
	for i, out := range outcomes {
		if !out.Success {
			t.Errorf("change %d failed: %s", i, out.Error)
		}
	}
	if got := repo.get(t, existing.ID).Status; got != record.StatusResolved {
		t.Errorf("status = %q, want resolved", got)
	}
}

func TestApplyPersistenceFailureIsolated(t *testing.T) {
	// A store-rejected write fails only its own change: the batch keeps
	// going, siblings still apply, and the failed change leaves no partial
	// writes behind.
	repo := newMockRecordRepo()
	engine := testEngine(repo)
	patientID := uuid.New()
	nkda := seedRecord(t, repo, patientID, record.EntityAllergy, "No known drug allergies", true, day(t, "2026-01-15"))
	latex := seedRecord(t, repo, patientID, record.EntityAllergy, "Latex", false, day(t, "2026-01-15"))

	// resolve_conflict first annotates the existing record, then inserts the
	// incoming statement; failing the insert exercises the rollback of the
	// annotation that already went through.
	repo.createErr = errors.New("value rejected by store")

	changes := []ProposedChange{
		{
			Action:           ActionResolveConflict,
			ExistingRecordID: &nkda.ID,
			PrimaryLabel:     "Penicillin",
			Confidence:       0.9,
			VisitEntry:       encounterEntry(day(t, "2026-06-20"), "penicillin allergy reported", 0.9),
		},
		{
			Action:           ActionUpdate,
			ExistingRecordID: &latex.ID,
			PrimaryLabel:     "Latex, severe",
			Confidence:       0.9,
			VisitEntry:       encounterEntry(day(t, "2026-06-20"), "reaction worse than documented", 0.9),
		},
	}

	outcomes, err := engine.Apply(context.Background(), record.EntityAllergy, changes, Scope{PatientID: patientID})
	if err != nil {
		t.Fatalf("a per-change store failure must not fail the batch: %v", err)
	}
	if outcomes[0].Success {
		t.Error("store-rejected change reported success")
	}
	if !outcomes[1].Success {
		t.Errorf("sibling change rolled back with the failed one: %s", outcomes[1].Error)
	}

	// The failed resolve_conflict must leave the existing record untouched.
	old := repo.get(t, nkda.ID)
	if old.Status != record.StatusActive {
		t.Errorf("superseded status %q persisted from a failed change", old.Status)
	}
	if len(old.VisitHistory) != 1 {
		t.Errorf("history length = %d after failed change, want 1", len(old.VisitHistory))
	}
	if old.TemporalConflictResolution != nil {
		t.Error("conflict narrative persisted from a failed change")
	}

	if got := repo.get(t, latex.ID).PrimaryLabel; got != "Latex, severe" {
		t.Errorf("sibling update lost: label = %q", got)
	}
}

func TestApplyInvalidInputs(t *testing.T) {
	repo := newMockRecordRepo()
	engine := testEngine(repo)

	if _, err := engine.Apply(context.Background(), record.EntityProblem, nil, Scope{}); err == nil {
		t.Error("expected error for nil patient id")
	}
	if _, err := engine.Apply(context.Background(), record.EntityType("bogus"), nil, Scope{PatientID: uuid.New()}); err == nil {
		t.Error("expected error for unknown entity type")
	}
}
