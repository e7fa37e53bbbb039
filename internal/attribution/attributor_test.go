package attribution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

func TestAttributeKameleoonExample(t *testing.T) {
	t.Parallel()

	attr, err := New([]Entity{{Name: "Kameleoon", Patterns: []string{"*.kameleoon.com"}}})
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{
		{URL: "https://x.kameleoon.com/a.js", CPUTimeMs: 120},
		{URL: "https://other.com/b.js", CPUTimeMs: 50},
	})

	require.Len(t, res, 1)
	require.Equal(t, 120.0, res.CPUTimeMs("Kameleoon"))
	require.Equal(t, []analysis.ScriptCost{{URL: "https://x.kameleoon.com/a.js", CPUTimeMs: 120}}, res["Kameleoon"].Scripts)
}

func TestAttributeReportsZeroEntities(t *testing.T) {
	t.Parallel()

	attr, err := New(DefaultEntities())
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{{URL: "https://cdn.other.com/app.js", CPUTimeMs: 300}})
	cost, ok := res["Kameleoon"]
	require.True(t, ok)
	require.Zero(t, cost.CPUTimeMs)
	require.Empty(t, cost.Scripts)
}

func TestAttributeZeroCostScriptIsListed(t *testing.T) {
	t.Parallel()

	attr, err := New(DefaultEntities())
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{{URL: "https://abc.kameleoon.eu/engine.js", CPUTimeMs: 0}})
	require.Zero(t, res.CPUTimeMs("Kameleoon"))
	require.Len(t, res["Kameleoon"].Scripts, 1)
}

func TestAttributeRounding(t *testing.T) {
	t.Parallel()

	attr, err := New(DefaultEntities())
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{
		{URL: "https://a.kameleoon.com/1.js", CPUTimeMs: 10.4},
		{URL: "https://a.kameleoon.com/2.js", CPUTimeMs: 10.4},
	})
	// The sum is rounded once, not the rounded parts.
	require.Equal(t, 21.0, res.CPUTimeMs("Kameleoon"))
	require.Equal(t, 10.0, res["Kameleoon"].Scripts[0].CPUTimeMs)
}

func TestAttributeFirstEntityWins(t *testing.T) {
	t.Parallel()

	attr, err := New([]Entity{
		{Name: "First", Patterns: []string{"*.example.com"}},
		{Name: "Second", Patterns: []string{"cdn.example.com"}},
	})
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{{URL: "https://cdn.example.com/x.js", CPUTimeMs: 42}})
	require.Equal(t, 42.0, res.CPUTimeMs("First"))
	require.Zero(t, res.CPUTimeMs("Second"))
}

func TestAttributeSkipsInvalidURLs(t *testing.T) {
	t.Parallel()

	attr, err := New(DefaultEntities())
	require.NoError(t, err)

	res := attr.Attribute([]analysis.ScriptCost{
		{URL: "not a url", CPUTimeMs: 10},
		{URL: "", CPUTimeMs: 10},
	})
	require.Zero(t, res.CPUTimeMs("Kameleoon"))
}

func TestNewRejectsBadEntities(t *testing.T) {
	t.Parallel()

	_, err := New([]Entity{{Name: "", Patterns: []string{"*.x.com"}}})
	require.Error(t, err)

	_, err = New([]Entity{{Name: "A", Patterns: []string{" "}}})
	require.Error(t, err)

	_, err = New([]Entity{{Name: "A"}, {Name: "A"}})
	require.Error(t, err)
}
