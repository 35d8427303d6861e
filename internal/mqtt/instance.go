package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it. The ID keeps the broker client
// identity, and with it the status topic, stable across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return idStr, nil
}

// ClientID returns the configured client id, or one derived from the
// instance ID.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	return "lamrelay-" + instanceID
}
