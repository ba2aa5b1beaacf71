package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPipeline(t *testing.T, value string) {
	t.Helper()
	prev := pipeline
	pipeline = value
	t.Cleanup(func() { pipeline = prev })
}

func TestValidatePipeline(t *testing.T) {
	for _, valid := range []string{"", "r", "rspe", "RSE", "rp"} {
		withPipeline(t, valid)
		assert.NoError(t, validatePipeline(), valid)
	}

	withPipeline(t, "rm")
	err := validatePipeline()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'m'")
}

func TestStepsAfter(t *testing.T) {
	withPipeline(t, "")
	steps, err := stepsAfter('r')
	require.NoError(t, err)
	assert.Empty(t, steps)

	withPipeline(t, "rse")
	steps, err = stepsAfter('r')
	require.NoError(t, err)
	assert.Equal(t, []rune{'s', 'e'}, steps)

	withPipeline(t, "se")
	_, err = stepsAfter('r')
	assert.Error(t, err)
}

func TestRunSteps_RequiresRecording(t *testing.T) {
	err := runSteps(t.Context(), nil, "st-1", []rune{'e'}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a recording")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("12345678-aaaa-bbbb"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestInheritanceIndicator(t *testing.T) {
	assert.Equal(t, "[inherited]", getInheritanceIndicator("inherited"))
	assert.Equal(t, "[overridden]", getInheritanceIndicator("overridden"))
	assert.Equal(t, "[unknown]", getInheritanceIndicator(""))
}
