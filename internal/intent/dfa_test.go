package intent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatchesFuzzyVariants(t *testing.T) {
	f := NewFilter(true)
	f.AddWord("bomb", "weapons")

	require.True(t, f.Contains("where to get a b0mb"))

	matches := f.Search("where to get a B0MB")
	require.Len(t, matches, 1)
	assert.Equal(t, "bomb", matches[0].Word)
	assert.Equal(t, "weapons", matches[0].Category)
}

func TestFilterNonFuzzyStaysLiteral(t *testing.T) {
	f := NewFilter(false)
	f.AddWord("bomb", "weapons")

	assert.True(t, f.Contains("a bomb here"))
	assert.False(t, f.Contains("a b0mb here"))
}

func TestFilterFoldsChineseNumerals(t *testing.T) {
	f := NewFilter(true)
	f.AddWord("六合彩", "gambling")

	assert.True(t, f.Contains("想买六合彩"))
	assert.True(t, f.Contains("想买6合彩"))
}

func TestFilterReportsOverlappingMatches(t *testing.T) {
	f := NewFilter(true)
	f.AddWord("gun", "weapons")
	f.AddWord("gun dealer", "weapons")

	matches := f.Search("a gun dealer nearby")
	require.Len(t, matches, 2)
	words := []string{matches[0].Word, matches[1].Word}
	assert.ElementsMatch(t, []string{"gun", "gun dealer"}, words)

	assert.Equal(t, []string{"gun", "gun dealer"}, UniqueWords(append(matches, matches...)))
}

func TestFilterMask(t *testing.T) {
	f := NewFilter(true)
	f.AddWord("bomb", "weapons")

	assert.Equal(t, "buy a **** now", f.Mask("buy a b0mb now"))
	assert.Equal(t, "harmless text", f.Mask("harmless text"))
}

func TestFilterLoadFileUsesStemAsCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weapons.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment line\nbomb\n\ndetonator\n"), 0o644))

	f := NewFilter(true)
	n, err := f.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.WordCount())

	matches := f.Search("detonator wiring")
	require.Len(t, matches, 1)
	assert.Equal(t, "weapons", matches[0].Category)
}

func TestFilterLoadDirSkipsUnknownExtensions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weapons.txt"), []byte("bomb\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drugs.csv"), []byte("heroin\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored\n"), 0o644))

	f := NewFilter(true)
	n, err := f.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, f.Contains("heroin"))
	assert.False(t, f.Contains("ignored"))
}

func TestFilterEmptyInputs(t *testing.T) {
	f := NewFilter(true)
	f.AddWord("   ", "noise")
	assert.Zero(t, f.WordCount())

	f.AddWord("bomb", "weapons")
	assert.Nil(t, f.Search(""))
	assert.False(t, NewFilter(true).Contains("bomb"))
}
