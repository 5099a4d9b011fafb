package entitystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

const manifestFileName = "manifest.json"

// Manifest describes the store directory for humans and tooling. It is
// informational; the directory name already encodes the identity.
type Manifest struct {
	ToolVersion string    `json:"tool_version"`
	JavaVersion string    `json:"java_version,omitempty"`
	JavaHome    string    `json:"java_home,omitempty"`
	SettingDir  string    `json:"setting_dir,omitempty"`
	ProjectRoot string    `json:"project_root"`
	ProjectName string    `json:"project_name"`
	Schema      int       `json:"schema"`
	CreatedAt   time.Time `json:"created_at"`
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(filepath.Join(dir, manifestFileName), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// ReadManifest reads the manifest of the store directory dir.
// Returns [ErrNotFound] if it does not exist.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrNotFound
		}

		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest

	err = json.Unmarshal(data, &m)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	return m, nil
}
