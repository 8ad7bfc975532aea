package governance

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
)

// TemplateSchemaVersion is the only accepted template wire version.
const TemplateSchemaVersion = 1

// PolicyTemplate is a named, versioned, immutable policy preset.
type PolicyTemplate struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	PolicyPayload OperatorPolicy `json:"policyPayload" yaml:"policyPayload"`
	SchemaVersion int            `json:"schemaVersion" yaml:"schemaVersion"`
}

// Key is the registry key id@version.
func (t PolicyTemplate) Key() string { return t.ID + "@" + t.Version }

func intPtr(v int) *int { return &v }

// BuiltinTemplates returns the shipped presets.
func BuiltinTemplates() []PolicyTemplate {
	return []PolicyTemplate{
		{
			ID: "conservative", Name: "Conservative", Version: "1.0.0", SchemaVersion: TemplateSchemaVersion,
			PolicyPayload: OperatorPolicy{
				AllowEmailDrafts:            true,
				AllowTaskCreation:           true,
				RequireExplicitConfirmation: true,
				MaxExecutionsPerDay:         intPtr(10),
				LocalProcessingOnly:         true,
			},
		},
		{
			ID: "balanced", Name: "Balanced", Version: "1.0.0", SchemaVersion: TemplateSchemaVersion,
			PolicyPayload: OperatorPolicy{
				AllowEmailDrafts:            true,
				AllowCalendarWrites:         true,
				AllowTaskCreation:           true,
				AllowMemoryWrites:           true,
				RequireExplicitConfirmation: true,
				MaxExecutionsPerDay:         intPtr(50),
			},
		},
		{
			ID: "focused-tasks", Name: "Focused Tasks", Version: "1.0.0", SchemaVersion: TemplateSchemaVersion,
			PolicyPayload: OperatorPolicy{
				AllowTaskCreation:   true,
				AllowMemoryWrites:   true,
				MaxExecutionsPerDay: intPtr(25),
			},
		},
		{
			ID: "offline-private", Name: "Offline Private", Version: "1.0.0", SchemaVersion: TemplateSchemaVersion,
			PolicyPayload: OperatorPolicy{
				AllowTaskCreation:           true,
				AllowMemoryWrites:           true,
				RequireExplicitConfirmation: true,
				LocalProcessingOnly:         true,
			},
		},
	}
}

// Registry holds templates. Entries are append-only: a registered id@version
// can never change.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]map[string]PolicyTemplate // id -> version -> template
}

// NewRegistry creates a registry preloaded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]map[string]PolicyTemplate)}
	for _, t := range BuiltinTemplates() {
		if err := r.Register(t); err != nil {
			panic(fmt.Sprintf("governance: builtin template %s invalid: %v", t.Key(), err))
		}
	}
	return r
}

// Register adds t. Re-registering identical content is a no-op.
func (r *Registry) Register(t PolicyTemplate) error {
	if vs := validateTemplate(t); len(vs) > 0 {
		return asValidationError(vs)
	}
	v, _ := semver.NewVersion(t.Version)
	t.Version = v.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.templates[t.ID]
	if !ok {
		byVersion = make(map[string]PolicyTemplate)
		r.templates[t.ID] = byVersion
	}
	if existing, ok := byVersion[t.Version]; ok {
		if sameContent(existing, t) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTemplateImmutable, t.Key())
	}
	byVersion[t.Version] = cloneTemplate(t)
	return nil
}

// Get returns id@version. An empty version resolves to the latest.
func (r *Registry) Get(id, version string) (PolicyTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.templates[id]
	if !ok || len(byVersion) == 0 {
		return PolicyTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if version == "" {
		return cloneTemplate(latest(byVersion)), nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return PolicyTemplate{}, fmt.Errorf("%w: %s@%s: %v", ErrTemplateNotFound, id, version, err)
	}
	t, ok := byVersion[v.String()]
	if !ok {
		return PolicyTemplate{}, fmt.Errorf("%w: %s@%s", ErrTemplateNotFound, id, version)
	}
	return cloneTemplate(t), nil
}

// List returns the latest version of every template, sorted by id.
func (r *Registry) List() []PolicyTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PolicyTemplate, 0, len(r.templates))
	for _, byVersion := range r.templates {
		out = append(out, cloneTemplate(latest(byVersion)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Versions returns every registered version of id in ascending order.
func (r *Registry) Versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := make(semver.Collection, 0, len(r.templates[id]))
	for raw := range r.templates[id] {
		v, err := semver.NewVersion(raw)
		if err == nil {
			vs = append(vs, v)
		}
	}
	sort.Sort(vs)
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}

func latest(byVersion map[string]PolicyTemplate) PolicyTemplate {
	var best *semver.Version
	var bestT PolicyTemplate
	for raw, t := range byVersion {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestT = v, t
		}
	}
	return bestT
}

func cloneTemplate(t PolicyTemplate) PolicyTemplate {
	// JSON round-trip keeps pointer and slice fields private to the registry.
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var out PolicyTemplate
	if err := json.Unmarshal(raw, &out); err != nil {
		return t
	}
	return out
}

func sameContent(a, b PolicyTemplate) bool {
	ha, errA := canonicalize.CanonicalHash(a)
	hb, errB := canonicalize.CanonicalHash(b)
	return errA == nil && errB == nil && ha == hb
}
