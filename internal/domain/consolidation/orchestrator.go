package consolidation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/domain/record"
)

const (
	// DefaultMinSourceTextLen is the guardrail below which the orchestrator
	// skips all pipelines instead of invoking the oracle.
	DefaultMinSourceTextLen = 20

	// DefaultOracleTimeout bounds each pipeline's extraction call.
	DefaultOracleTimeout = 45 * time.Second

	existingRecordLimit = 200
)

// ExtractionInput is the context handed to the extraction oracle for one
// entity type.
type ExtractionInput struct {
	EntityType      record.EntityType
	ExistingRecords []record.Summary
	SourceText      string
	PatientContext  string
	TriggerType     record.VisitSource
}

// Extractor converts raw clinical text into proposed changes. Implemented by
// the oracle adapter; treated as an opaque collaborator here.
type Extractor interface {
	Extract(ctx context.Context, in ExtractionInput) ([]ProposedChange, error)
}

// SourceRef identifies where the processed text came from.
type SourceRef struct {
	EncounterID  *uuid.UUID
	AttachmentID *uuid.UUID
}

func (r SourceRef) visitSource() record.VisitSource {
	if r.AttachmentID != nil {
		return record.VisitSourceAttachment
	}
	return record.VisitSourceEncounter
}

// EntityResult is the outcome of one entity-type pipeline.
type EntityResult struct {
	Changes          []ChangeOutcome `json:"changes"`
	EntitiesAffected int             `json:"entities_affected"`
	Dropped          int             `json:"dropped,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// ChartProcessingResult aggregates all pipelines for one document or note.
type ChartProcessingResult struct {
	Success               bool                                `json:"success"`
	PerEntityResults      map[record.EntityType]*EntityResult `json:"per_entity_results"`
	TotalEntitiesAffected int                                 `json:"total_entities_affected"`
	ProcessingTimeMs      int64                               `json:"processing_time_ms"`
}

// Orchestrator fans one document or note out to the per-entity-type
// consolidation pipelines and collects their outcomes, settle-all: one
// pipeline's failure never cancels or corrupts the others.
type Orchestrator struct {
	extractor     Extractor
	engine        *Engine
	records       record.Repository
	logger        zerolog.Logger
	entityTypes   []record.EntityType
	minSourceLen  int
	oracleTimeout time.Duration
}

type OrchestratorOption func(*Orchestrator)

// WithEntityTypes restricts the fan-out to a subset of chart sections.
func WithEntityTypes(types ...record.EntityType) OrchestratorOption {
	return func(o *Orchestrator) { o.entityTypes = types }
}

// WithMinSourceTextLen overrides the skip-everything guardrail threshold.
func WithMinSourceTextLen(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.minSourceLen = n }
}

// WithOracleTimeout overrides the per-pipeline extraction timeout.
func WithOracleTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.oracleTimeout = d }
}

func NewOrchestrator(extractor Extractor, engine *Engine, records record.Repository, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		extractor:     extractor,
		engine:        engine,
		records:       records,
		logger:        logger,
		entityTypes:   record.AllEntityTypes,
		minSourceLen:  DefaultMinSourceTextLen,
		oracleTimeout: DefaultOracleTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs every entity-type pipeline concurrently against sourceText
// and reports per-pipeline success or failure plus combined counts. Only a
// malformed patient id is an error; pipeline failures degrade to "fewer
// entities updated" inside the result.
func (o *Orchestrator) Process(ctx context.Context, patientID uuid.UUID, sourceText string, ref SourceRef) (*ChartProcessingResult, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required")
	}
	start := time.Now()

	result := &ChartProcessingResult{
		Success:          true,
		PerEntityResults: make(map[record.EntityType]*EntityResult, len(o.entityTypes)),
	}

	if len(strings.TrimSpace(sourceText)) < o.minSourceLen {
		o.logger.Debug().Str("patient_id", patientID.String()).
			Msg("source text below threshold, skipping pipelines")
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		return result, nil
	}

	var wg sync.WaitGroup
	results := make([]*EntityResult, len(o.entityTypes))
	for i, t := range o.entityTypes {
		wg.Add(1)
		go func(i int, t record.EntityType) {
			defer wg.Done()
			results[i] = o.runPipeline(ctx, t, patientID, sourceText, ref)
		}(i, t)
	}
	wg.Wait()

	for i, t := range o.entityTypes {
		res := results[i]
		result.PerEntityResults[t] = res
		result.TotalEntitiesAffected += res.EntitiesAffected
		if res.Error != "" {
			result.Success = false
		}
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, t record.EntityType, patientID uuid.UUID, sourceText string, ref SourceRef) (res *EntityResult) {
	res = &EntityResult{}
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("pipeline panic: %v", r)
			o.logger.Error().Str("entity_type", string(t)).
				Interface("panic", r).Msg("pipeline panic recovered")
		}
	}()

	existing, _, err := o.records.ListByPatientAndType(ctx, patientID, t, existingRecordLimit, 0)
	if err != nil {
		res.Error = fmt.Sprintf("load existing records: %v", err)
		return res
	}
	summaries := make([]record.Summary, 0, len(existing))
	for _, rec := range existing {
		summaries = append(summaries, rec.Summarize())
	}

	octx, cancel := context.WithTimeout(ctx, o.oracleTimeout)
	defer cancel()
	changes, err := o.extractor.Extract(octx, ExtractionInput{
		EntityType:      t,
		ExistingRecords: summaries,
		SourceText:      sourceText,
		PatientContext:  fmt.Sprintf("patient %s", patientID),
		TriggerType:     ref.visitSource(),
	})
	if err != nil {
		// Oracle failure contributes zero changes; siblings keep running.
		res.Error = fmt.Sprintf("extraction: %v", err)
		o.logger.Warn().Err(err).Str("entity_type", string(t)).Msg("extraction failed")
		return res
	}

	valid := make([]ProposedChange, 0, len(changes))
	for i := range changes {
		if err := changes[i].Validate(t); err != nil {
			res.Dropped++
			o.logger.Warn().Err(err).Str("entity_type", string(t)).Msg("invalid change dropped")
			continue
		}
		valid = append(valid, changes[i])
	}

	outcomes, err := o.engine.Apply(ctx, t, valid, Scope{PatientID: patientID, EncounterID: ref.EncounterID})
	if err != nil {
		res.Error = fmt.Sprintf("consolidation: %v", err)
		return res
	}
	res.Changes = outcomes
	for _, out := range outcomes {
		if out.Success {
			res.EntitiesAffected++
		}
	}
	return res
}
