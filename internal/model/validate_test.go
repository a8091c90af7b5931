package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(name string, deps ...string) TaskSpec {
	return TaskSpec{Name: name, AgentType: "browser", Action: "navigate", DependsOn: deps}
}

func TestValidateDefinition_Valid(t *testing.T) {
	def := &Definition{
		Tasks: []TaskSpec{
			task("fetch"),
			task("extract", "fetch"),
			task("summarize", "fetch", "extract"),
		},
		OnError: OnErrorContinue,
	}
	require.NoError(t, ValidateDefinition(def))
}

func TestValidateDefinition_Empty(t *testing.T) {
	err := ValidateDefinition(&Definition{})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidDefinition))

	require.Error(t, ValidateDefinition(nil))
}

func TestValidateDefinition_DuplicateName(t *testing.T) {
	def := &Definition{Tasks: []TaskSpec{task("fetch"), task("fetch")}}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate task name "fetch"`)
}

func TestValidateDefinition_MissingAgentTypeAndAction(t *testing.T) {
	def := &Definition{Tasks: []TaskSpec{{Name: "fetch", Action: "navigate"}}}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent_type")

	def = &Definition{Tasks: []TaskSpec{{Name: "fetch", AgentType: "browser"}}}
	err = ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action")
}

func TestValidateDefinition_UnknownDependency(t *testing.T) {
	def := &Definition{Tasks: []TaskSpec{task("extract", "fetch")}}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "fetch"`)
}

func TestValidateDefinition_SelfDependency(t *testing.T) {
	def := &Definition{Tasks: []TaskSpec{task("fetch", "fetch")}}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidateDefinition_CycleNamesParticipants(t *testing.T) {
	def := &Definition{
		Tasks: []TaskSpec{
			task("a", "c"),
			task("b", "a"),
			task("c", "b"),
			task("standalone"),
		},
	}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle involving tasks: a, b, c")
}

func TestValidateDefinition_InvalidOnError(t *testing.T) {
	def := &Definition{Tasks: []TaskSpec{task("fetch")}, OnError: "explode"}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid on_error")

	bad := task("fetch")
	bad.OnError = "explode"
	def = &Definition{Tasks: []TaskSpec{bad}}
	require.Error(t, ValidateDefinition(def))
}

func TestValidateDefinition_NegativeRetryCount(t *testing.T) {
	n := -1
	bad := task("fetch")
	bad.RetryCount = &n
	err := ValidateDefinition(&Definition{Tasks: []TaskSpec{bad}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative retry_count")
}

func TestErrorRetryableByKind(t *testing.T) {
	assert.True(t, NewError(ErrNavigation, "boom").Retryable)
	assert.True(t, NewError(ErrTimeout, "boom").Retryable)
	assert.True(t, NewError(ErrStoreUnavailable, "boom").Retryable)
	assert.False(t, NewError(ErrScript, "boom").Retryable)
	assert.False(t, NewError(ErrUnresolvedReference, "boom").Retryable)
	assert.False(t, NewError(ErrCancelled, "boom").Retryable)
}

func TestClassifyPassthrough(t *testing.T) {
	orig := NewError(ErrSelectorTimeout, "no such selector")
	assert.Same(t, orig, Classify(orig))

	wrapped := Classify(assert.AnError)
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrExecutionFailed, wrapped.Kind)
	assert.False(t, wrapped.Retryable)
}
