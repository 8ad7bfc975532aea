package boundary

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyVersion is the current schema version.
const PolicyVersion = "1"

// Policy is the on-disk network policy.
//
//	version: "1"
//	mode: enterpriseAllowlist
//	killSwitch: false
//	allowlists:
//	  normal: ["api.example.com"]
//	  enterpriseAllowlist: ["*.corp.example.com"]
type Policy struct {
	Version    string              `yaml:"version" json:"version"`
	Mode       string              `yaml:"mode" json:"mode"`
	KillSwitch bool                `yaml:"killSwitch" json:"killSwitch"`
	Allowlists map[string][]string `yaml:"allowlists" json:"allowlists"`
}

// DefaultPolicy starts offline with empty allowlists.
func DefaultPolicy() *Policy {
	return &Policy{Version: PolicyVersion, Mode: string(ModeOfflineOnly), Allowlists: map[string][]string{}}
}

// Validate checks version, mode and allowlist keys.
func (p *Policy) Validate() error {
	if p.Version != PolicyVersion {
		return fmt.Errorf("boundary: unsupported policy version %q", p.Version)
	}
	if !Mode(p.Mode).Valid() {
		return fmt.Errorf("boundary: unknown mode %q", p.Mode)
	}
	for k, hosts := range p.Allowlists {
		if !Mode(k).Valid() {
			return fmt.Errorf("boundary: allowlist for unknown mode %q", k)
		}
		for _, h := range hosts {
			if _, err := compileHost(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(r io.Reader) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("boundary: parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicyFile reads a YAML policy from path.
func LoadPolicyFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("boundary: open policy: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParsePolicy(f)
}
