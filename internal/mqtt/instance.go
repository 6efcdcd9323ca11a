package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the gateway's stable identity, used
// for MQTT client ids and discovery unique ids. It lives in
// dataDir/instance_id. A missing or unparseable file is replaced with a
// fresh UUIDv7, written through a temp file so a crash cannot leave a
// half-written id behind.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}

	tmp, err := os.CreateTemp(dataDir, instanceIDFile+".*")
	if err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id.String() + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id.String(), nil
}
