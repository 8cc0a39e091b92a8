package llm

import (
	"fmt"
	"strings"
)

// systemPrompt frames the alignment task. The schema, raw content, and any
// known fields are appended by BuildPrompt; retry feedback is appended by
// AppendFeedback.
const systemPrompt = `You are a data alignment engine for U.S. food-assistance resources.
Convert the raw content below into a single JSON document conforming exactly
to the provided HSDS JSON Schema. Rules:
- Output only the JSON document, no commentary.
- Use only information present in the raw content; never invent names,
  addresses, phone numbers, or hours.
- Omit optional fields you cannot source rather than guessing.
- Coordinates are decimal degrees; leave them out if the content has none.`

// BuildPrompt assembles the alignment prompt from the system template, the
// generated JSON Schema, the raw content, and the caller's known-fields hint.
func BuildPrompt(schemaJSON []byte, content string, knownFields []string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n## HSDS JSON Schema\n")
	b.Write(schemaJSON)
	b.WriteString("\n\n## Raw content\n")
	b.WriteString(content)
	if len(knownFields) > 0 {
		b.WriteString("\n\n## Fields known to be present in the source\n")
		b.WriteString(strings.Join(knownFields, ", "))
	}
	return b.String()
}

// AppendFeedback extends a prompt with the validator's missing-field list
// for a retry attempt.
func AppendFeedback(prompt, feedback string) string {
	return fmt.Sprintf("%s\n\n## Validation feedback from the previous attempt\n%s\nFill in the missing fields from the raw content where possible.", prompt, feedback)
}

// hallucinationPrompt asks a second model to cross-check the candidate
// against the source. The response must match hallucinationSchema.
const hallucinationPrompt = `Compare the HSDS JSON document against the raw source content.
Identify any field whose value does not appear in, and cannot be derived
from, the source. Respond with JSON only.`

// hallucinationSchema is the structured-output schema for the check.
var hallucinationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"hallucination_detected": map[string]any{"type": "boolean"},
		"mismatched_fields": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"suggested_corrections": map[string]any{"type": "object"},
	},
	"required":             []string{"hallucination_detected"},
	"additionalProperties": false,
}

// BuildHallucinationPrompt assembles the validator-LLM prompt.
func BuildHallucinationPrompt(candidate []byte, content string) string {
	var b strings.Builder
	b.WriteString(hallucinationPrompt)
	b.WriteString("\n\n## HSDS document\n")
	b.Write(candidate)
	b.WriteString("\n\n## Raw source content\n")
	b.WriteString(content)
	return b.String()
}
