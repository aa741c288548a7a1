package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const nodeIDFile = ".node_id"

// GetPersistentNodeID names this process on the event bus and as RPC
// requester. Resolution order: override, <storageDir>/.node_id, role plus
// hostname, and finally a random id that is written back to storageDir.
func GetPersistentNodeID(override, storageDir, role string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}

	path := filepath.Join(storageDir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if host, err := os.Hostname(); err == nil && host != "localhost" {
		if clean := keySafe(host); clean != "" {
			return role + "-" + clean
		}
	}

	id := role + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := os.MkdirAll(storageDir, 0o755); err == nil {
		_ = os.WriteFile(path, []byte(id), 0o644)
	}
	return id
}

// keySafe drops everything that is not usable in a channel or subject name.
func keySafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}
