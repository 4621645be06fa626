package consolidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartflow/chartflow/internal/platform/statestore"
)

// Tier is the processing stage a decision falls into.
type Tier string

const (
	TierInitial  Tier = "initial"
	TierRevision Tier = "revision"
)

// Decision is the tracker's answer to "should this encounter's text be
// processed again".
type Decision struct {
	Process bool   `json:"process"`
	Tier    Tier   `json:"tier,omitempty"`
	Reason  string `json:"reason"`
}

// ProcessingState is what the tracker remembers per encounter. Ephemeral:
// created on the first processing attempt, dropped when the encounter is
// signed.
type ProcessingState struct {
	HasCompletedInitialProcessing bool                   `json:"has_completed_initial_processing"`
	LastProcessedContentHash      string                 `json:"last_processed_content_hash"`
	LastResult                    *ChartProcessingResult `json:"last_result,omitempty"`
}

// Tracker makes repeated processing of the same encounter idempotent and
// cheap. It is a best-effort optimization: when the backing store is
// unavailable the tracker errs on the side of reprocessing, which wastes an
// oracle call but never skips changed content.
type Tracker struct {
	store  statestore.Store
	logger zerolog.Logger
}

func NewTracker(store statestore.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Fingerprint hashes the exact text handed to the extraction oracle. The
// hash must cover the full text, not a summary: a stale match here would
// skip changed content, which is a correctness bug.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func trackerKey(encounterID uuid.UUID) string {
	return "encproc:" + encounterID.String()
}

// ShouldProcess computes the content fingerprint and decides whether the
// encounter's text needs another consolidation pass.
func (t *Tracker) ShouldProcess(ctx context.Context, encounterID uuid.UUID, rawText string) Decision {
	state, ok := t.getState(ctx, encounterID)
	if !ok {
		return Decision{Process: true, Tier: TierInitial, Reason: "no prior processing for encounter"}
	}
	if state.LastProcessedContentHash == Fingerprint(rawText) {
		return Decision{Process: false, Reason: "content unchanged since last processing"}
	}
	return Decision{Process: true, Tier: TierRevision, Reason: "content changed since last processing"}
}

// RecordResult stores the fingerprint and result of a completed pass,
// marking initial processing complete on the first success. A failed pass
// records nothing: latching its fingerprint would skip a resubmission of
// text that was never successfully processed.
func (t *Tracker) RecordResult(ctx context.Context, encounterID uuid.UUID, rawText string, result *ChartProcessingResult) error {
	if result == nil || !result.Success {
		return nil
	}
	state := ProcessingState{
		HasCompletedInitialProcessing: true,
		LastProcessedContentHash:      Fingerprint(rawText),
		LastResult:                    result,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode processing state: %w", err)
	}
	if err := t.store.Set(ctx, trackerKey(encounterID), data); err != nil {
		return fmt.Errorf("store processing state: %w", err)
	}
	return nil
}

// Clear drops the encounter's state. Called when the encounter is signed;
// no further automatic processing is permitted afterwards.
func (t *Tracker) Clear(ctx context.Context, encounterID uuid.UUID) error {
	if err := t.store.Clear(ctx, trackerKey(encounterID)); err != nil {
		return fmt.Errorf("clear processing state: %w", err)
	}
	return nil
}

func (t *Tracker) getState(ctx context.Context, encounterID uuid.UUID) (*ProcessingState, bool) {
	data, ok, err := t.store.Get(ctx, trackerKey(encounterID))
	if err != nil {
		t.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).
			Msg("state store unavailable, reprocessing")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var state ProcessingState
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).
			Msg("corrupt processing state, reprocessing")
		return nil, false
	}
	return &state, true
}
