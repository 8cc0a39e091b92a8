package hsds

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Field-class deductions applied per missing field. The "known" column
// applies when the caller asserted the field is present in the source, so
// its absence is a stronger signal of a bad alignment.
const (
	deductTopLevel      = 0.15
	deductTopLevelKnown = 0.25
	deductEntity        = 0.10
	deductEntityKnown   = 0.20
	deductOther         = 0.05
	deductOtherKnown    = 0.15
)

// ValidationResult is the outcome of scoring an HSDS candidate.
type ValidationResult struct {
	Confidence float64
	Missing    []string
	// Feedback is a human-readable list of missing fields suitable for
	// appending to a retry prompt.
	Feedback string
}

// SchemaError is a structural violation of the generated JSON Schema.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "hsds: schema violation: " + strings.Join(e.Violations, "; ")
}

// Validator checks HSDS candidates structurally (against the generated JSON
// Schema) and scores field completeness for the confidence-driven retry loop.
type Validator struct {
	schema   *gojsonschema.Schema
	required map[string][]string
}

// NewValidator compiles the generated schema once. Validators are immutable
// and safe for concurrent use.
func NewValidator() (*Validator, error) {
	raw, err := ConvertSchema()
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("hsds: compile schema: %w", err)
	}
	required, err := RequiredFields()
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema, required: required}, nil
}

// Validate runs the structural check. Returns *SchemaError on violation.
func (v *Validator) Validate(doc []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("hsds: validate: %w", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return &SchemaError{Violations: violations}
}

// ScoreFields computes the completeness confidence for a candidate.
// It starts at 1.0 and subtracts a per-class deduction for every missing
// field; fields listed in knownFields (asserted present in the source) carry
// the heavier deduction. The floor is 0.
func (v *Validator) ScoreFields(doc []byte, knownFields []string) (ValidationResult, error) {
	var candidate map[string]json.RawMessage
	if err := json.Unmarshal(doc, &candidate); err != nil {
		return ValidationResult{}, fmt.Errorf("hsds: decode candidate: %w", err)
	}

	known := make(map[string]bool, len(knownFields))
	for _, f := range knownFields {
		known[f] = true
	}

	confidence := 1.0
	var missing []string

	deduct := func(field string, normal, heavier float64) {
		missing = append(missing, field)
		if known[field] {
			confidence -= heavier
		} else {
			confidence -= normal
		}
	}

	for _, entity := range topLevelTables {
		raw, ok := candidate[entity]
		if !ok {
			deduct(entity, deductTopLevel, deductTopLevelKnown)
			continue
		}

		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			deduct(entity, deductTopLevel, deductTopLevelKnown)
			continue
		}
		if len(items) == 0 {
			deduct(entity, deductTopLevel, deductTopLevelKnown)
			continue
		}

		for _, item := range items {
			for _, path := range v.required[entity] {
				name := strings.TrimPrefix(path, entity+".")
				if isEmptyField(item[name]) {
					deduct(path, deductEntity, deductEntityKnown)
				}
			}
			// Child completeness: locations without any address are the
			// most common alignment gap worth a nudge back to the model.
			if entity == "location" {
				if isEmptyField(item["addresses"]) {
					deduct("location.addresses", deductOther, deductOtherKnown)
				}
			}
		}
	}

	if confidence < 0 {
		confidence = 0
	}

	feedback := ""
	if len(missing) > 0 {
		feedback = "missing: " + strings.Join(missing, ", ")
	}
	return ValidationResult{Confidence: confidence, Missing: missing, Feedback: feedback}, nil
}

// isEmptyField reports whether a raw JSON value is absent, null, an empty
// string, or an empty array.
func isEmptyField(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	switch string(raw) {
	case "null", `""`, "[]", "{}":
		return true
	}
	return false
}
