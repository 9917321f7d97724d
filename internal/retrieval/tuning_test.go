package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ragserve/internal/errors"
)

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, mode, "blank selects the default")

	for _, name := range []string{"naive", "local", "global", "hybrid", "mix", "bypass"} {
		mode, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, Mode(name), mode)
	}

	_, err = ParseMode("turbo")
	require.Error(t, err)
	assert.True(t, apperrors.IsBadInput(err))
}

func TestParsePerformanceMode(t *testing.T) {
	perf, err := ParsePerformanceMode("")
	require.NoError(t, err)
	assert.Equal(t, PerfBalanced, perf)

	for _, name := range []string{"fast", "balanced", "quality"} {
		perf, err := ParsePerformanceMode(name)
		require.NoError(t, err)
		assert.Equal(t, PerformanceMode(name), perf)
	}

	_, err = ParsePerformanceMode("ultra")
	require.Error(t, err)
	assert.True(t, apperrors.IsBadInput(err))
}

func TestTuningForBalanced(t *testing.T) {
	tuning, err := TuningFor(ModeHybrid, PerfBalanced)
	require.NoError(t, err)
	assert.Equal(t, Tuning{TopK: 20, MaxEntityTokens: 4000, MaxRelationTokens: 3000, EnableRerank: true, Timeout: 60 * time.Second}, tuning)

	blank, err := TuningFor(ModeHybrid, "")
	require.NoError(t, err)
	assert.Equal(t, tuning, blank, "blank profile equals balanced")
}

func TestTuningForFast(t *testing.T) {
	tuning, err := TuningFor(ModeHybrid, PerfFast)
	require.NoError(t, err)
	assert.Equal(t, 10, tuning.TopK)
	assert.Equal(t, 2000, tuning.MaxEntityTokens)
	assert.Equal(t, 1500, tuning.MaxRelationTokens)
	assert.False(t, tuning.EnableRerank)
	assert.Equal(t, 30*time.Second, tuning.Timeout)

	naive, err := TuningFor(ModeNaive, PerfFast)
	require.NoError(t, err)
	assert.Equal(t, 5, naive.TopK, "fast never drops top-k below five")
}

func TestTuningForQuality(t *testing.T) {
	tuning, err := TuningFor(ModeHybrid, PerfQuality)
	require.NoError(t, err)
	assert.Equal(t, 40, tuning.TopK)
	assert.Equal(t, 8000, tuning.MaxEntityTokens)
	assert.Equal(t, 6000, tuning.MaxRelationTokens)
	assert.True(t, tuning.EnableRerank)
	assert.Equal(t, 120*time.Second, tuning.Timeout)

	mix, err := TuningFor(ModeMix, PerfQuality)
	require.NoError(t, err)
	assert.Equal(t, 50, mix.TopK, "quality caps top-k at fifty")
}

func TestTuningForRejectsUnknown(t *testing.T) {
	_, err := TuningFor(Mode("warp"), PerfBalanced)
	require.Error(t, err)
	assert.True(t, apperrors.IsBadInput(err))

	_, err = TuningFor(ModeHybrid, PerformanceMode("warp"))
	require.Error(t, err)
	assert.True(t, apperrors.IsBadInput(err))
}

func TestModesListsAllSix(t *testing.T) {
	modes := Modes()
	require.Len(t, modes, 6)
	assert.Equal(t, "naive", modes[0].Name)

	byName := make(map[string]ModeInfo, len(modes))
	for _, m := range modes {
		byName[m.Name] = m
		assert.NotEmpty(t, m.Description)
	}
	assert.False(t, byName["bypass"].UsesVector)
	assert.False(t, byName["bypass"].UsesGraph)
	assert.True(t, byName["hybrid"].UsesVector)
	assert.True(t, byName["hybrid"].UsesGraph)
	assert.False(t, byName["global"].UsesVector)
	assert.True(t, byName["global"].UsesGraph)
}

func TestResolveTopK(t *testing.T) {
	assert.Equal(t, 20, resolveTopK(0, 20), "zero defers to the tuned value")
	assert.Equal(t, 3, resolveTopK(3, 20))
	assert.Equal(t, 100, resolveTopK(500, 20), "user values are clamped")
}
