package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfile = `
version: "1.2.0"
capsules:
  - alpha
  - beta
  - gamma
edges:
  - from: alpha
    to: beta
  - from: beta
    to: gamma
`

func TestParseValidProfile(t *testing.T) {
	g, err := Parse([]byte(validProfile))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", g.Version())
	assert.True(t, g.Reachable("alpha", "beta"))
	assert.True(t, g.Reachable("beta", "gamma"))

	// Edges are directed and not transitive.
	assert.False(t, g.Reachable("beta", "alpha"))
	assert.False(t, g.Reachable("alpha", "gamma"))

	// Self-sends are allowed for declared capsules.
	assert.True(t, g.Reachable("alpha", "alpha"))
	assert.False(t, g.Reachable("intruder", "intruder"))
}

func TestParseRejectsUndeclaredCapsuleInEdge(t *testing.T) {
	_, err := Parse([]byte(`
version: "1.0.0"
capsules: [alpha]
edges:
  - from: alpha
    to: ghost
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared capsule")
}

func TestParseVersionGate(t *testing.T) {
	_, err := Parse([]byte(`
version: "0.9.0"
capsules: [alpha]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "older than minimum")

	_, err = Parse([]byte(`
version: "2.0.0"
capsules: [alpha]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "major version")

	_, err = Parse([]byte(`
version: "not-a-version"
capsules: [alpha]
`))
	require.Error(t, err)
}

func TestParseSchemaValidation(t *testing.T) {
	// Missing required version field.
	_, err := Parse([]byte(`capsules: [alpha]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")

	// Unknown top-level key.
	_, err = Parse([]byte(`
version: "1.0.0"
capsules: [alpha]
routes: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestBuilder(t *testing.T) {
	g, err := NewBuilder().
		Capsule("alpha").
		Capsule("beta").
		Edge("alpha", "beta").
		Build()
	require.NoError(t, err)
	assert.True(t, g.Reachable("alpha", "beta"))
	assert.False(t, g.Reachable("beta", "alpha"))

	_, err = NewBuilder().Capsule("alpha").Edge("alpha", "ghost").Build()
	assert.Error(t, err)
}
