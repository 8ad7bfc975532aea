package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// MaxPacketBytes is the largest packet accepted.
const MaxPacketBytes = 1 << 20

// ForbiddenKeys is matched case-insensitively against every object key.
var ForbiddenKeys = []string{
	"body", "subject", "content", "draft", "prompt", "context", "email",
	"attendees", "recipient", "message", "text", "title", "description",
	"note", "password", "apiKey",
}

var forbidden = func() map[string]bool {
	m := make(map[string]bool, len(ForbiddenKeys))
	for _, k := range ForbiddenKeys {
		m[strings.ToLower(k)] = true
	}
	return m
}()

// identifierValue bounds every exported string: ids, hashes, enum values and
// dates fit; sentences do not.
var identifierValue = regexp.MustCompile(`^[A-Za-z0-9_.:@/+\-]{0,128}$`)

// ValidateBytes checks an encoded packet and returns every violation found.
func ValidateBytes(data []byte) []contracts.Violation {
	var vs []contracts.Violation
	if len(data) > MaxPacketBytes {
		vs = append(vs, contracts.Violation{
			Code:    "size",
			Message: fmt.Sprintf("packet is %d bytes, limit is %d", len(data), MaxPacketBytes),
		})
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return append(vs, contracts.Violation{Code: "json", Message: err.Error()})
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return append(vs, contracts.Violation{Code: "type", Message: "packet must be a JSON object"})
	}

	vs = append(vs, checkEnvelope(root)...)
	vs = append(vs, scan("", root)...)
	return vs
}

func checkEnvelope(root map[string]any) []contracts.Violation {
	var vs []contracts.Violation
	n, ok := root["schemaVersion"].(json.Number)
	if !ok {
		vs = append(vs, contracts.Violation{Path: "schemaVersion", Code: "required", Message: "must be an integer"})
	} else if v, err := n.Int64(); err != nil || v != SchemaVersion {
		vs = append(vs, contracts.Violation{Path: "schemaVersion", Code: "value", Message: fmt.Sprintf("must be %d", SchemaVersion)})
	}
	day, ok := root["exportedOn"].(string)
	if !ok {
		vs = append(vs, contracts.Violation{Path: "exportedOn", Code: "required", Message: "must be a yyyy-MM-dd date"})
	} else if _, err := canonicalize.ParseDay(day); err != nil {
		vs = append(vs, contracts.Violation{Path: "exportedOn", Code: "format", Message: "must be a yyyy-MM-dd date"})
	}
	if _, ok := root["kind"].(string); !ok {
		vs = append(vs, contracts.Violation{Path: "kind", Code: "required", Message: "must be a string"})
	}
	return vs
}

func scan(path string, v any) []contracts.Violation {
	var vs []contracts.Violation
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := join(path, k)
			if forbidden[strings.ToLower(k)] {
				vs = append(vs, contracts.Violation{Path: p, Code: "forbiddenKey", Message: "key may carry content"})
			}
			vs = append(vs, scan(p, x[k])...)
		}
	case []any:
		for i, item := range x {
			vs = append(vs, scan(fmt.Sprintf("%s[%d]", path, i), item)...)
		}
	case string:
		if !identifierValue.MatchString(x) {
			vs = append(vs, contracts.Violation{Path: path, Code: "freeText", Message: "string value is not an identifier"})
		}
	}
	return vs
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
