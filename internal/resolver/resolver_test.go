package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbrowse/orchestrator/internal/model"
)

func testContext() Context {
	return Context{
		Variables: map[string]interface{}{
			"url":   "https://example.com",
			"count": 3,
		},
		Outputs: map[string]map[string]interface{}{
			"fetch": {
				"final_url": "https://example.com/page",
				"status":    200,
				"meta": map[string]interface{}{
					"title": "Example",
				},
			},
		},
	}
}

func TestResolve_VariableReference(t *testing.T) {
	out, err := Resolve(map[string]interface{}{"url": "${variables.url}"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out["url"])
}

func TestResolve_WholeStringKeepsType(t *testing.T) {
	out, err := Resolve(map[string]interface{}{
		"count":  "${variables.count}",
		"status": "${tasks.fetch.output.status}",
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, 200, out["status"])
}

func TestResolve_EmbeddedReferencesRender(t *testing.T) {
	out, err := Resolve(map[string]interface{}{
		"message": "fetched ${tasks.fetch.output.final_url} with status ${tasks.fetch.output.status}",
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "fetched https://example.com/page with status 200", out["message"])
}

func TestResolve_NestedOutputPath(t *testing.T) {
	out, err := Resolve(map[string]interface{}{
		"title": "${tasks.fetch.output.meta.title}",
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "Example", out["title"])
}

func TestResolve_WholeOutputObject(t *testing.T) {
	out, err := Resolve(map[string]interface{}{
		"upstream": "${tasks.fetch.output}",
	}, testContext())
	require.NoError(t, err)
	obj, ok := out["upstream"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 200, obj["status"])
}

func TestResolve_WalksNestedStructures(t *testing.T) {
	out, err := Resolve(map[string]interface{}{
		"config": map[string]interface{}{
			"targets": []interface{}{"${variables.url}", "literal"},
		},
	}, testContext())
	require.NoError(t, err)
	cfg := out["config"].(map[string]interface{})
	targets := cfg["targets"].([]interface{})
	assert.Equal(t, "https://example.com", targets[0])
	assert.Equal(t, "literal", targets[1])
}

func TestResolve_UnresolvedNamesReferenceAndPath(t *testing.T) {
	_, err := Resolve(map[string]interface{}{
		"nested": map[string]interface{}{
			"url": "${variables.missing}",
		},
	}, testContext())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrUnresolvedReference))
	assert.Contains(t, err.Error(), "${variables.missing}")
	assert.Contains(t, err.Error(), "nested.url")
}

func TestResolve_UnknownTaskOutput(t *testing.T) {
	_, err := Resolve(map[string]interface{}{
		"v": "${tasks.nope.output.value}",
	}, testContext())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrUnresolvedReference))
}

func TestResolve_UnknownNamespace(t *testing.T) {
	_, err := Resolve(map[string]interface{}{
		"v": "${secrets.apikey}",
	}, testContext())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrUnresolvedReference))
}

func TestResolve_NoReferences(t *testing.T) {
	out, err := Resolve(map[string]interface{}{"plain": "value", "n": 7}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "value", out["plain"])
	assert.Equal(t, 7, out["n"])

	out, err = Resolve(nil, testContext())
	require.NoError(t, err)
	assert.Empty(t, out)
}
