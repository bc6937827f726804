package serve

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplifiedConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PAGEKEEPER_EVENTS_BROKERS", "localhost:9092")

	cfg, err := SimplifiedConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "pagekeeper.db"), cfg.Database.Path)
	assert.Equal(t, "fs", cfg.Blob.Backend)
	assert.Equal(t, filepath.Join(dir, "pages"), cfg.Blob.FS.Root)
	assert.Empty(t, cfg.Events.Brokers)
	assert.Equal(t, filepath.Join(dir, "exports"), cfg.Export.Dir)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
}
