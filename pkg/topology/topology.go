// Package topology holds the static, boot-configured message graph. The
// router consults it on every send; a capsule can only reach endpoints the
// graph explicitly wires, no matter what capabilities it holds.
package topology

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
)

// MinProfileVersion is the oldest topology profile format the kernel still
// accepts.
const MinProfileVersion = "1.0.0"

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "capsules"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "capsules": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "uniqueItems": true
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://cmsr.schemas.local/topology/profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(fmt.Sprintf("topology schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("topology schema compile failed: %v", err))
	}
	return s
}()

// profile is the on-disk YAML shape.
type profile struct {
	Version  string `yaml:"version"`
	Capsules []string `yaml:"capsules"`
	Edges    []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"edges"`
}

// Graph is the immutable sender to receiver adjacency. Built once at boot;
// never mutated afterwards, so readers need no locking.
type Graph struct {
	version  *semver.Version
	capsules map[object.CapsuleID]struct{}
	edges    map[object.CapsuleID]map[object.CapsuleID]struct{}
}

// Version reports the profile format version the graph was built from.
func (g *Graph) Version() string { return g.version.String() }

// Contains reports whether the capsule is declared in the topology.
func (g *Graph) Contains(c object.CapsuleID) bool {
	_, ok := g.capsules[c]
	return ok
}

// Reachable reports whether from may send to an endpoint owned by to.
// Self-sends are always allowed; a capsule can reach its own endpoints.
func (g *Graph) Reachable(from, to object.CapsuleID) bool {
	if from == to {
		return g.Contains(from)
	}
	dst, ok := g.edges[from]
	if !ok {
		return false
	}
	_, ok = dst[to]
	return ok
}

// Load reads and validates a topology profile from disk.
func Load(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read profile: %w", err)
	}
	return Parse(raw)
}

// Parse validates a YAML topology profile against the profile schema and
// the minimum version gate, then builds the graph.
func Parse(raw []byte) (*Graph, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("topology: parse profile: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("topology: profile schema validation failed: %w", err)
	}

	var p profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("topology: parse profile: %w", err)
	}

	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("topology: profile version %q: %w", p.Version, err)
	}
	min := semver.MustParse(MinProfileVersion)
	if v.LessThan(min) {
		return nil, fmt.Errorf("topology: profile version %s older than minimum %s", v, min)
	}
	if v.Major() != min.Major() {
		return nil, fmt.Errorf("topology: profile major version %d unsupported, want %d", v.Major(), min.Major())
	}

	g := &Graph{
		version:  v,
		capsules: make(map[object.CapsuleID]struct{}, len(p.Capsules)),
		edges:    make(map[object.CapsuleID]map[object.CapsuleID]struct{}),
	}
	for _, c := range p.Capsules {
		g.capsules[object.CapsuleID(c)] = struct{}{}
	}
	for _, e := range p.Edges {
		from, to := object.CapsuleID(e.From), object.CapsuleID(e.To)
		if !g.Contains(from) || !g.Contains(to) {
			return nil, fmt.Errorf("topology: edge %s -> %s references undeclared capsule", e.From, e.To)
		}
		dst, ok := g.edges[from]
		if !ok {
			dst = make(map[object.CapsuleID]struct{})
			g.edges[from] = dst
		}
		dst[to] = struct{}{}
	}
	return g, nil
}

// Builder assembles a graph in code, mainly for tests and embedded boots
// that do not load a YAML profile.
type Builder struct {
	capsules []string
	edges    [][2]string
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Capsule(name string) *Builder {
	b.capsules = append(b.capsules, name)
	return b
}

func (b *Builder) Edge(from, to string) *Builder {
	b.edges = append(b.edges, [2]string{from, to})
	return b
}

// Build produces the graph, applying the same undeclared-capsule check as
// Parse.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		version:  semver.MustParse(MinProfileVersion),
		capsules: make(map[object.CapsuleID]struct{}, len(b.capsules)),
		edges:    make(map[object.CapsuleID]map[object.CapsuleID]struct{}),
	}
	for _, c := range b.capsules {
		g.capsules[object.CapsuleID(c)] = struct{}{}
	}
	for _, e := range b.edges {
		from, to := object.CapsuleID(e[0]), object.CapsuleID(e[1])
		if !g.Contains(from) || !g.Contains(to) {
			return nil, fmt.Errorf("topology: edge %s -> %s references undeclared capsule", e[0], e[1])
		}
		dst, ok := g.edges[from]
		if !ok {
			dst = make(map[object.CapsuleID]struct{})
			g.edges[from] = dst
		}
		dst[to] = struct{}{}
	}
	return g, nil
}
