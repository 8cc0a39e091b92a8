package hsds

import (
	"embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

//go:embed schema/hsds_schema.csv
var schemaFS embed.FS

// Entities included in the generated schema. Children are pulled in
// transitively via the childTables map.
var topLevelTables = []string{"organization", "service", "location"}

// childTables maps each parent entity to the child tables embedded under it
// and the JSON property name they appear as.
var childTables = map[string]map[string]string{
	"organization": {
		"organization_identifiers": "organization_identifier",
		"phones":                   "phone",
		"languages":                "language",
	},
	"service": {
		"phones":    "phone",
		"schedules": "schedule",
		"languages": "language",
	},
	"location": {
		"addresses":     "address",
		"phones":        "phone",
		"schedules":     "schedule",
		"accessibility": "accessibility",
	},
	"phone": {
		"languages": "language",
	},
}

// Recognized format tokens and the JSON Schema constraint each maps to.
// Tokens not in this table pass through as plain strings.
var formatConstraints = map[string]map[string]any{
	"uri":           {"type": "string", "format": "uri"},
	"email":         {"type": "string", "format": "email"},
	"%Y":            {"type": "string", "pattern": `^\d{4}$`},
	"HH:MM":         {"type": "string", "pattern": `^([01]\d|2[0-3]):[0-5]\d(Z|[+-]\d{2}:00)$`},
	"ISO639":        {"type": "string", "pattern": `^[a-z]{2,3}$`},
	"ISO3361":       {"type": "string", "pattern": `^[A-Z]{2}$`},
	"currency_code": {"type": "string", "pattern": `^[A-Z]{3}$`},
	"latitude":      {"type": "number", "minimum": -90.0, "maximum": 90.0},
	"longitude":     {"type": "number", "minimum": -180.0, "maximum": 180.0},
	"timezone":      {"type": "number", "minimum": -12.0, "maximum": 14.0},
}

// Enum-typed fields carry a closed string vocabulary regardless of what the
// CSV format column says.
var enumFields = map[string][]string{
	"service.status":       {"active", "inactive", "defunct", "temporarily closed"},
	"phone.type":           {"text", "voice", "fax", "cell", "video", "pager", "textphone"},
	"schedule.freq":        {"WEEKLY", "MONTHLY"},
	"schedule.wkst":        {"MO", "TU", "WE", "TH", "FR", "SA", "SU"},
	"address.address_type": {"physical", "postal", "virtual"},
}

type fieldDef struct {
	Name     string
	Type     string
	Format   string
	Required bool
}

// ConvertSchema parses the embedded HSDS CSV schema and produces a strict
// Draft-07 JSON Schema restricted to organization, service, and location and
// their transitive children. The result is the structured-output schema
// handed to the LLM provider and the structural check applied to candidates.
func ConvertSchema() (map[string]any, error) {
	tables, err := loadCSVSchema()
	if err != nil {
		return nil, err
	}

	definitions := map[string]any{}
	seen := map[string]bool{}
	var define func(table string) error
	define = func(table string) error {
		if seen[table] {
			return nil
		}
		seen[table] = true

		fields, ok := tables[table]
		if !ok {
			return fmt.Errorf("hsds: table %q missing from CSV schema", table)
		}

		props := map[string]any{}
		var required []string
		for _, f := range fields {
			props[f.Name] = fieldSchema(table, f)
			if f.Required {
				required = append(required, f.Name)
			}
		}
		for prop, child := range childTables[table] {
			if err := define(child); err != nil {
				return err
			}
			props[prop] = map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/definitions/" + child},
			}
		}

		def := map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
		if len(required) > 0 {
			def["required"] = required
		}
		definitions[table] = def
		return nil
	}

	rootProps := map[string]any{}
	for _, table := range topLevelTables {
		if err := define(table); err != nil {
			return nil, err
		}
		rootProps[table] = map[string]any{
			"type":  "array",
			"items": map[string]any{"$ref": "#/definitions/" + table},
		}
	}

	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           rootProps,
		"required":             topLevelTables,
		"additionalProperties": false,
		"definitions":          definitions,
	}, nil
}

// SchemaJSON returns the generated schema serialized for prompt embedding.
func SchemaJSON() ([]byte, error) {
	schema, err := ConvertSchema()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(schema, "", "  ")
}

func fieldSchema(table string, f fieldDef) map[string]any {
	if values, ok := enumFields[table+"."+f.Name]; ok {
		return map[string]any{"type": "string", "enum": values}
	}
	if c, ok := formatConstraints[f.Format]; ok {
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	switch f.Type {
	case "number":
		return map[string]any{"type": "number"}
	case "integer":
		return map[string]any{"type": "integer"}
	default:
		return map[string]any{"type": "string"}
	}
}

func loadCSVSchema() (map[string][]fieldDef, error) {
	f, err := schemaFS.Open("schema/hsds_schema.csv")
	if err != nil {
		return nil, fmt.Errorf("hsds: open embedded schema: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("hsds: read schema header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, need := range []string{"table_name", "name", "type", "format", "required"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("hsds: schema CSV missing column %q", need)
		}
	}

	tables := map[string][]fieldDef{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("hsds: read schema row: %w", err)
		}
		tables[row[col["table_name"]]] = append(tables[row[col["table_name"]]], fieldDef{
			Name:     row[col["name"]],
			Type:     row[col["type"]],
			Format:   row[col["format"]],
			Required: row[col["required"]] == "true",
		})
	}
	return tables, nil
}

// RequiredFields returns the required field paths per top-level entity,
// used by the weighted validator to enumerate what is missing.
func RequiredFields() (map[string][]string, error) {
	tables, err := loadCSVSchema()
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, table := range topLevelTables {
		for _, f := range tables[table] {
			if f.Required {
				out[table] = append(out[table], table+"."+f.Name)
			}
		}
	}
	return out, nil
}
