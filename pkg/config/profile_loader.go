package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KernelProfile is a boot-time tuning profile: per-capsule endpoint
// defaults and policy hook deadlines. It complements the topology file,
// which fixes who may talk to whom; the profile fixes how much and how
// fast.
type KernelProfile struct {
	Name      string                    `yaml:"name" json:"name"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	Policy    PolicyConfig              `yaml:"policy" json:"policy"`
}

// EndpointConfig holds queue defaults for one capsule's endpoints.
type EndpointConfig struct {
	Capacity          int    `yaml:"capacity" json:"capacity"`
	MaxPayloadBytes   uint32 `yaml:"max_payload_bytes,omitempty" json:"max_payload_bytes,omitempty"`
	Ordering          string `yaml:"ordering,omitempty" json:"ordering,omitempty"` // "fifo" | "round_robin"
	Blocking          bool   `yaml:"blocking,omitempty" json:"blocking,omitempty"`
	DropEnabled       bool   `yaml:"drop_enabled,omitempty" json:"drop_enabled,omitempty"`
	AuditBackpressure bool   `yaml:"audit_backpressure,omitempty" json:"audit_backpressure,omitempty"`
}

// PolicyConfig bounds policy hook round trips.
type PolicyConfig struct {
	HookTimeoutMs int `yaml:"hook_timeout_ms,omitempty" json:"hook_timeout_ms,omitempty"`
}

// HookTimeout converts the configured timeout, zero when unset.
func (p PolicyConfig) HookTimeout() time.Duration {
	return time.Duration(p.HookTimeoutMs) * time.Millisecond
}

// LoadProfile reads and validates a kernel profile YAML.
func LoadProfile(path string) (*KernelProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	return ParseProfile(raw)
}

// ParseProfile parses a kernel profile from YAML bytes.
func ParseProfile(raw []byte) (*KernelProfile, error) {
	var p KernelProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("config: profile missing name")
	}
	for capsule, ep := range p.Endpoints {
		if ep.Capacity < 0 {
			return nil, fmt.Errorf("config: endpoint %q: negative capacity", capsule)
		}
		switch ep.Ordering {
		case "", "fifo", "round_robin":
		default:
			return nil, fmt.Errorf("config: endpoint %q: unknown ordering %q", capsule, ep.Ordering)
		}
	}
	if p.Policy.HookTimeoutMs < 0 {
		return nil, fmt.Errorf("config: negative hook timeout")
	}
	return &p, nil
}
