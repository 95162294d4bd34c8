package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
machines:
  - id: m-dao
    name: dao-box
    address: 100.64.0.7
    channels: [tailscale]
repos:
  - name: dao
    display_name: DAO
    capabilities: [contracts, audit]
    machine_id: m-dao
    accepts_tasks_from: ["*"]
webhooks:
  - name: ci
    url: http://ci.local/hook
    events: [job:completed, job:failed]
    secret: s3cret
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Machines, 1)
	require.Len(t, m.Repos, 1)
	require.Len(t, m.Webhooks, 1)
	assert.Equal(t, "100.64.0.7", m.Machines[0].Address)
	assert.Equal(t, []string{"contracts", "audit"}, m.Repos[0].Capabilities)
	assert.Equal(t, []string{"*"}, m.Repos[0].AcceptsTasksFrom)
	assert.Equal(t, "DAO", m.Repos[0].DisplayName)
	assert.Equal(t, "s3cret", m.Webhooks[0].Secret)
}

func TestParseRejectsUnknownKeysAndDuplicates(t *testing.T) {
	_, err := Parse([]byte("repos:\n  - name: a\n    capabilitiez: [x]\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("repos:\n  - name: a\n  - name: a\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("webhooks:\n  - name: w\n    url: http://x\n"))
	assert.ErrorContains(t, err, "event")
}

func TestParseEmpty(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, m.Repos)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
