package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(16)
	require.NoError(t, err)
	b, err := GenerateSecret(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestRandomIdentity(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := RandomIdentity()
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.Less(t, id, uint64(1)<<63)
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"framelink_2026-01-01.log",
		"framelink_2026-01-02.log",
		"framelink_2026-01-03.log",
		"other_2020-01-01.log",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}

	cleanOldLogs(dir, "framelink", 2)

	_, err := os.Stat(filepath.Join(dir, "framelink_2026-01-01.log"))
	assert.True(t, os.IsNotExist(err))
	for _, n := range names[1:] {
		_, err := os.Stat(filepath.Join(dir, n))
		assert.NoError(t, err, n)
	}
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)
}
