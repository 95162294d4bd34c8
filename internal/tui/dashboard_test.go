package tui

import (
	"context"
	"errors"
	"testing"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats *hub.Stats
	jobs  []router.Job
	err   error
}

func (f fakeSource) Stats(context.Context) (*hub.Stats, error) { return f.stats, f.err }

func (f fakeSource) Jobs(context.Context, router.JobStatus, int) ([]router.Job, error) {
	return f.jobs, nil
}

func sampleStats() *hub.Stats {
	st := &hub.Stats{MachineID: "hub-1"}
	st.Relay.ThisMachine = relay.Peer{MachineID: "hub-1", MachineName: "Hub"}
	st.Relay.Machines = []relay.MachineSummary{{ID: "m1", Name: "laptop", Live: true}}
	st.Repos.TotalRepos = 1
	st.Repos.JobsByStatus = map[string]int{"running": 1}
	st.Repos.Repos = []router.RepoSummary{{Name: "dao", Machine: "laptop", Status: router.RepoIdle, Capabilities: []string{"deploy"}}}
	return st
}

func load(t *testing.T, d DashboardModel) DashboardModel {
	t.Helper()
	msg := d.loadCmd()()
	next, cmd := d.Update(msg)
	require.NotNil(t, cmd, "a load schedules the next refresh")
	return next.(DashboardModel)
}

func TestDashboardRendersSnapshot(t *testing.T) {
	d := NewDashboardModel(fakeSource{
		stats: sampleStats(),
		jobs:  []router.Job{{ID: "j1", RepoName: "dao", Action: "deploy", Status: router.JobRunning, RequestedBy: "human"}},
	})
	d.SetSize(120, 40)
	d = load(t, d)

	assert.False(t, d.loading)
	assert.Contains(t, d.View(), "deploy")
	assert.Contains(t, d.ReposView(), "dao")
	assert.Contains(t, d.JobsView(), "human")
	assert.Contains(t, d.MachinesView(), "laptop")
}

func TestDashboardKeepsLastSnapshotOnError(t *testing.T) {
	d := NewDashboardModel(fakeSource{stats: sampleStats()})
	d.SetSize(120, 40)
	d = load(t, d)

	d.src = fakeSource{err: errors.New("connection refused")}
	d = load(t, d)

	require.NotNil(t, d.stats)
	assert.Contains(t, d.ReposView(), "dao")
	assert.Contains(t, d.ReposView(), "connection refused")
}

func TestDashboardPlaceholderBeforeFirstLoad(t *testing.T) {
	d := NewDashboardModel(fakeSource{err: errors.New("down")})
	d.SetSize(80, 20)
	assert.Contains(t, d.View(), "Loading")

	d = load(t, d)
	assert.Contains(t, d.View(), "hub unreachable")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
