package mangle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psa/internal/reasoning"
)

func TestParseClauseFact(t *testing.T) {
	c, err := ParseClause(`solves(/nvidia_driver, "akmods --force")`, 0.95)
	require.NoError(t, err)
	assert.True(t, c.IsFact())
	assert.Equal(t, 0.95, c.Confidence)
	want := reasoning.NewCompound("solves", reasoning.NewAtom("nvidia_driver"), reasoning.NewAtom("akmods --force"))
	assert.True(t, reasoning.Equal(want, c.Head), "got %v", c.Head)
}

func TestParseClauseRule(t *testing.T) {
	c, err := ParseClause(`remedy(H, F) :- gpu(H, G), fix(G, F).`, 0.9)
	require.NoError(t, err)
	require.Len(t, c.Body, 2)
	assert.Equal(t, "remedy(H, F)", c.Head.String())
	assert.Equal(t, "fix(G, F)", c.Body[1].String())
}

func TestParseClauseWildcardsAreDistinct(t *testing.T) {
	c, err := ParseClause(`seen(X) :- edge(X, _), edge(_, X).`, 1)
	require.NoError(t, err)
	assert.Equal(t, "edge(X, _1)", c.Body[0].String())
	assert.Equal(t, "edge(_2, X)", c.Body[1].String())
}

func TestParseClauseRejectsNegation(t *testing.T) {
	_, err := ParseClause(`ok(X) :- host(X), !broken(X).`, 1)
	assert.Error(t, err)
}

func TestParseClauseSyntaxError(t *testing.T) {
	_, err := ParseClause(`solves(`, 1)
	assert.Error(t, err)
}

func TestLoadKnowledge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	content := `knowledge:
  - clause: 'solves(/nvidia_driver, "modprobe nvidia").'
    confidence: 0.9
  - clause: 'solves(/nvidia_driver, "akmods --force").'
    confidence: 0.95
  - clause: 'broken('
  - clause: 'fixes(S) :- solves(/nvidia_driver, S).'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	engine := reasoning.NewEngine(0)
	n, err := LoadKnowledge(path, engine)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results := engine.Query(reasoning.SolvesGoal("NVIDIA driver"))
	require.Len(t, results, 2)
	assert.Equal(t, "akmods --force", results[0].Bindings["Solution"].String())

	derived := engine.Query(reasoning.NewCompound("fixes", reasoning.NewVar("S")))
	require.Len(t, derived, 1)
	assert.Equal(t, 0.95, derived[0].Confidence)
}

func TestLoadKnowledgeMissingFile(t *testing.T) {
	_, err := LoadKnowledge(filepath.Join(t.TempDir(), "nope.yaml"), reasoning.NewEngine(0))
	assert.Error(t, err)
}
