package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPersistentNodeID_Override(t *testing.T) {
	assert.Equal(t, "gw-1", GetPersistentNodeID(" gw-1 ", t.TempDir(), "gateway"))
}

func TestGetPersistentNodeID_ReadsStoredID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeIDFile), []byte("gateway-abc\n"), 0o644))
	assert.Equal(t, "gateway-abc", GetPersistentNodeID("", dir, "gateway"))
}

func TestGetPersistentNodeID_IsStable(t *testing.T) {
	dir := t.TempDir()
	first := GetPersistentNodeID("", dir, "admin")
	assert.Regexp(t, `^admin-[A-Za-z0-9_-]+$`, first)
	assert.Equal(t, first, GetPersistentNodeID("", dir, "admin"))
}

func TestKeySafe(t *testing.T) {
	assert.Equal(t, "web-01local", keySafe("web-01.local"))
	assert.Equal(t, "", keySafe("..."))
}
