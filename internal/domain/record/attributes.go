package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity-specific attribute shapes. The oracle emits loosely-typed maps;
// CanonicalizeAttributes round-trips them through the typed struct for the
// entity type so unknown or extra fields are dropped instead of persisted.

// ProblemAttributes holds the structured fields of a problem-list item.
type ProblemAttributes struct {
	ICDCode   *string `json:"icd_code,omitempty"`
	OnsetDate *string `json:"onset_date,omitempty"`
	Severity  *string `json:"severity,omitempty"`
	Notes     *string `json:"notes,omitempty"`
}

// AllergyAttributes holds the structured fields of an allergy record.
type AllergyAttributes struct {
	Allergen  *string `json:"allergen,omitempty"`
	Reaction  *string `json:"reaction,omitempty"`
	Severity  *string `json:"severity,omitempty"`
	DrugClass *string `json:"drug_class,omitempty"`
}

// MedicationAttributes holds the structured fields of a medication record.
type MedicationAttributes struct {
	Dosage     *string `json:"dosage,omitempty"`
	Frequency  *string `json:"frequency,omitempty"`
	Route      *string `json:"route,omitempty"`
	Indication *string `json:"indication,omitempty"`
	StartDate  *string `json:"start_date,omitempty"`
	EndDate    *string `json:"end_date,omitempty"`
}

// ProcedureAttributes holds the structured fields of a surgical history item.
type ProcedureAttributes struct {
	CPTCode       *string `json:"cpt_code,omitempty"`
	PerformedDate *string `json:"performed_date,omitempty"`
	Surgeon       *string `json:"surgeon,omitempty"`
	Facility      *string `json:"facility,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

// FamilyHistoryAttributes holds the structured fields of a family history item.
type FamilyHistoryAttributes struct {
	Relation   *string `json:"relation,omitempty"`
	Condition  *string `json:"condition,omitempty"`
	AgeAtOnset *int    `json:"age_at_onset,omitempty"`
	Deceased   *bool   `json:"deceased,omitempty"`
}

// SocialHistoryAttributes holds the structured fields of a social history item.
type SocialHistoryAttributes struct {
	Category *string `json:"category,omitempty"`
	Detail   *string `json:"detail,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// VitalSetAttributes holds one set of vital sign measurements.
type VitalSetAttributes struct {
	SystolicBP   *int       `json:"systolic_bp,omitempty"`
	DiastolicBP  *int       `json:"diastolic_bp,omitempty"`
	HeartRate    *int       `json:"heart_rate,omitempty"`
	RespRate     *int       `json:"resp_rate,omitempty"`
	TempF        *float64   `json:"temp_f,omitempty"`
	O2Saturation *int       `json:"o2_saturation,omitempty"`
	WeightKg     *float64   `json:"weight_kg,omitempty"`
	RecordedAt   *time.Time `json:"recorded_at,omitempty"`
}

// ImagingAttributes holds the structured fields of an imaging result.
type ImagingAttributes struct {
	Modality  *string `json:"modality,omitempty"`
	BodySite  *string `json:"body_site,omitempty"`
	Findings  *string `json:"findings,omitempty"`
	StudyDate *string `json:"study_date,omitempty"`
}

// CanonicalizeAttributes decodes a raw attribute payload into the typed shape
// for the entity type and re-encodes it, dropping any fields the shape does
// not define. A nil or empty payload canonicalizes to nil.
func CanonicalizeAttributes(t EntityType, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var shape interface{}
	switch t {
	case EntityProblem:
		shape = &ProblemAttributes{}
	case EntityAllergy:
		shape = &AllergyAttributes{}
	case EntityMedication:
		shape = &MedicationAttributes{}
	case EntityProcedure:
		shape = &ProcedureAttributes{}
	case EntityFamilyHistory:
		shape = &FamilyHistoryAttributes{}
	case EntitySocialHistory:
		shape = &SocialHistoryAttributes{}
	case EntityVitalSet:
		shape = &VitalSetAttributes{}
	case EntityImaging:
		shape = &ImagingAttributes{}
	default:
		return nil, fmt.Errorf("no attribute shape for entity type %q", t)
	}

	if err := json.Unmarshal(raw, shape); err != nil {
		return nil, fmt.Errorf("decode %s attributes: %w", t, err)
	}
	out, err := json.Marshal(shape)
	if err != nil {
		return nil, fmt.Errorf("encode %s attributes: %w", t, err)
	}
	return out, nil
}
