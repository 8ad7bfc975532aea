package governance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

const templateSchemaURL = "https://steward.schemas.local/policy-template.schema.json"

// templateSchema is the wire shape of a policy template.
const templateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "policyPayload", "schemaVersion"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]{0,63}$"},
    "name": {"type": "string", "minLength": 1, "maxLength": 80},
    "version": {"type": "string", "minLength": 1},
    "schemaVersion": {"type": "integer", "minimum": 1},
    "policyPayload": {
      "type": "object",
      "additionalProperties": false,
      "required": ["allowEmailDrafts", "allowCalendarWrites", "allowTaskCreation", "allowMemoryWrites",
                   "requireExplicitConfirmation", "localProcessingOnly"],
      "properties": {
        "allowEmailDrafts": {"type": "boolean"},
        "allowCalendarWrites": {"type": "boolean"},
        "allowTaskCreation": {"type": "boolean"},
        "allowMemoryWrites": {"type": "boolean"},
        "requireExplicitConfirmation": {"type": "boolean"},
        "maxExecutionsPerDay": {"type": "integer", "minimum": 1},
        "localProcessingOnly": {"type": "boolean"},
        "denyWhen": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

var compiledTemplateSchema = mustCompileTemplateSchema()

func mustCompileTemplateSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(templateSchemaURL, strings.NewReader(templateSchema)); err != nil {
		panic(fmt.Sprintf("governance: template schema load failed: %v", err))
	}
	s, err := c.Compile(templateSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("governance: template schema compile failed: %v", err))
	}
	return s
}

// ValidateWire checks a decoded JSON document against the template schema and
// returns every violation found.
func ValidateWire(doc any) []contracts.Violation {
	err := compiledTemplateSchema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []contracts.Violation{{Code: "schema", Message: err.Error()}}
	}
	var out []contracts.Violation
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		out = append(out, contracts.Violation{Path: e.InstanceLocation, Code: "schema", Message: e.Error})
	}
	if len(out) == 0 {
		out = append(out, contracts.Violation{Code: "schema", Message: ve.Error()})
	}
	return out
}

// validateTemplate applies the semantic rules the schema cannot express.
func validateTemplate(t PolicyTemplate) []contracts.Violation {
	var out []contracts.Violation
	if t.ID == "" {
		out = append(out, contracts.Violation{Path: "/id", Code: "required", Message: "template id must not be empty"})
	}
	if t.SchemaVersion != TemplateSchemaVersion {
		out = append(out, contracts.Violation{Path: "/schemaVersion", Code: "unsupported",
			Message: fmt.Sprintf("schemaVersion %d is not supported", t.SchemaVersion)})
	}
	if _, err := semver.NewVersion(t.Version); err != nil {
		out = append(out, contracts.Violation{Path: "/version", Code: "semver", Message: err.Error()})
	}
	if !t.PolicyPayload.HasGuardrail() {
		out = append(out, contracts.Violation{Path: "/policyPayload", Code: "guardrail",
			Message: ErrUnsafePolicy.Error()})
	}
	if m := t.PolicyPayload.MaxExecutionsPerDay; m != nil && *m < 1 {
		out = append(out, contracts.Violation{Path: "/policyPayload/maxExecutionsPerDay", Code: "range",
			Message: "must be at least 1"})
	}
	for i, expr := range t.PolicyPayload.DenyWhen {
		if err := checkDenyExpr(expr); err != nil {
			out = append(out, contracts.Violation{Path: fmt.Sprintf("/policyPayload/denyWhen/%d", i), Code: "cel", Message: err.Error()})
		}
	}
	return out
}

// ParseTemplateJSON decodes and validates a single JSON template.
func ParseTemplateJSON(data []byte) (PolicyTemplate, []contracts.Violation) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return PolicyTemplate{}, []contracts.Violation{{Code: "malformed", Message: err.Error()}}
	}
	return decodeTemplate(doc, "")
}

// LoadTemplatesYAML reads a YAML document holding a list of templates under
// the "templates" key. All violations across all templates are returned.
func LoadTemplatesYAML(r io.Reader) ([]PolicyTemplate, []contracts.Violation) {
	var file struct {
		Templates []yaml.Node `yaml:"templates"`
	}
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, []contracts.Violation{{Code: "malformed", Message: err.Error()}}
	}

	var out []PolicyTemplate
	var violations []contracts.Violation
	for i, node := range file.Templates {
		var raw any
		if err := node.Decode(&raw); err != nil {
			violations = append(violations, contracts.Violation{Path: fmt.Sprintf("/templates/%d", i), Code: "malformed", Message: err.Error()})
			continue
		}
		doc, err := toJSONDoc(raw)
		if err != nil {
			violations = append(violations, contracts.Violation{Path: fmt.Sprintf("/templates/%d", i), Code: "malformed", Message: err.Error()})
			continue
		}
		t, vs := decodeTemplate(doc, fmt.Sprintf("/templates/%d", i))
		if len(vs) > 0 {
			violations = append(violations, vs...)
			continue
		}
		out = append(out, t)
	}
	return out, violations
}

func decodeTemplate(doc any, prefix string) (PolicyTemplate, []contracts.Violation) {
	vs := ValidateWire(doc)
	for i := range vs {
		vs[i].Path = prefix + vs[i].Path
	}
	if len(vs) > 0 {
		return PolicyTemplate{}, vs
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return PolicyTemplate{}, []contracts.Violation{{Path: prefix, Code: "malformed", Message: err.Error()}}
	}
	var t PolicyTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return PolicyTemplate{}, []contracts.Violation{{Path: prefix, Code: "malformed", Message: err.Error()}}
	}
	sem := validateTemplate(t)
	for i := range sem {
		sem[i].Path = prefix + sem[i].Path
	}
	return t, sem
}

// toJSONDoc converts a YAML-decoded value into the shape encoding/json
// produces so the schema validator sees JSON types.
func toJSONDoc(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func asValidationError(vs []contracts.Violation) error {
	return contracts.AsError(vs)
}
