package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chartflow/chartflow/internal/domain/consolidation"
	"github.com/chartflow/chartflow/internal/domain/record"
)

var entityInstructions = map[record.EntityType]string{
	record.EntityProblem:       "active and historical medical problems, diagnoses, and conditions",
	record.EntityAllergy:       "drug, food, and environmental allergies, including explicit statements of no known allergies",
	record.EntityMedication:    "current and discontinued medications with dosage, frequency, and route",
	record.EntityProcedure:     "surgical and procedural history",
	record.EntityFamilyHistory: "family medical history by relation",
	record.EntitySocialHistory: "social history: tobacco, alcohol, substance use, occupation, living situation",
	record.EntityVitalSet:      "vital sign measurements: blood pressure, heart rate, respiratory rate, temperature, oxygen saturation, weight",
	record.EntityImaging:       "imaging studies and their findings",
}

// buildPrompt assembles the extraction prompt for one entity type. The
// existing-record summaries give the model the matching context it needs to
// emit existing_record_id on update/consolidate/resolve_conflict changes
// instead of duplicating facts.
func buildPrompt(in consolidation.ExtractionInput) (string, error) {
	instruction, ok := entityInstructions[in.EntityType]
	if !ok {
		return "", fmt.Errorf("no extraction instructions for entity type %q", in.EntityType)
	}

	existing, err := json.Marshal(in.ExistingRecords)
	if err != nil {
		return "", fmt.Errorf("encode existing records: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You extract %s from clinical text.\n\n", instruction)
	fmt.Fprintf(&b, "Patient context: %s\nTrigger: %s\n\n", in.PatientContext, in.TriggerType)
	fmt.Fprintf(&b, "Existing canonical records for this chart section:\n%s\n\n", existing)
	b.WriteString(`Emit a JSON array of proposed changes. Each change has:
- "action": one of "create", "update", "consolidate", "resolve_conflict", "document_absence"
- "existing_record_id": required for update/consolidate/resolve_conflict, the id of the matched existing record
- "primary_label": canonical name of the fact
- "attributes": structured fields for this entity type
- "status": "active", "inactive", "resolved", or "unconfirmed"
- "is_absence_record": true when the statement is a negative finding such as "no known drug allergies"
- "confidence": your extraction confidence in [0,1]
- "consolidation_reasoning": why records were merged, when consolidating
- "temporal_conflict_resolution": how a timeline conflict was resolved, for resolve_conflict
- "visit_entry": {"date": clinical event date, "notes", "source", "confidence", "changes_made"}

Match statements against the existing records before proposing "create": duplicating an
existing fact is an error; emit "update" or "consolidate" with its id instead. When a
statement contradicts an existing record across time, emit "resolve_conflict" referencing
the contradicted record. Emit an empty array when the text says nothing about this section.

Clinical text:
`)
	b.WriteString(in.SourceText)
	return b.String(), nil
}
