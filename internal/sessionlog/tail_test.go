package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	lines, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = Tail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, lines)

	lines, err = Tail(filepath.Join(t.TempDir(), "missing.log"), 3)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestReadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\npart"), 0o644))

	lines, off, err := ReadFrom(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.EqualValues(t, 8, off)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ial\nthree\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, off, err = ReadFrom(path, off)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial", "three"}, lines)

	// truncated by rotation: start over
	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))
	lines, _, err = ReadFrom(path, off)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, lines)
}
