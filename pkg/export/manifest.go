package export

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Manifest describes an exported artifact. It is written next to the
// artifact so downstream readers can tell which version they hold.
type Manifest struct {
	PageSetID   string    `yaml:"page_set_id"`
	Version     int64     `yaml:"version"`
	FileName    string    `yaml:"file_name"`
	ContentHash string    `yaml:"content_hash"`
	Size        int64     `yaml:"size"`
	PageCount   int       `yaml:"page_count"`
	ExportedAt  time.Time `yaml:"exported_at"`
}

func newManifest(a *pageset.MergedArtifact, fileName string, now time.Time) Manifest {
	return Manifest{
		PageSetID:   a.PageSetID,
		Version:     int64(a.Version),
		FileName:    fileName,
		ContentHash: a.ContentHash,
		Size:        a.Size,
		PageCount:   a.PageCount,
		ExportedAt:  now.UTC(),
	}
}

// manifestPath returns the manifest path for an artifact path.
func manifestPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, ".pdf") + ".yaml"
}

// ReadManifest reads the manifest at path. A missing manifest returns
// (nil, nil).
func ReadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error encoding manifest: %w", err)
	}
	return data, nil
}
