package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	refreshEvery = 5 * time.Second
	jobsShown    = 20
)

// Source is the slice of the hub API the dashboard reads.
type Source interface {
	Stats(ctx context.Context) (*hub.Stats, error)
	Jobs(ctx context.Context, status router.JobStatus, limit int) ([]router.Job, error)
}

// DashboardModel holds the latest hub snapshot shared by every tab.
type DashboardModel struct {
	src      Source
	stats    *hub.Stats
	jobs     []router.Job
	err      error
	width    int
	height   int
	lastLoad time.Time
	loading  bool
}

// dashLoadedMsg carries one snapshot of the hub.
type dashLoadedMsg struct {
	stats *hub.Stats
	jobs  []router.Job
	err   error
	at    time.Time
}

// NewDashboardModel creates a DashboardModel.
func NewDashboardModel(src Source) DashboardModel {
	return DashboardModel{src: src, loading: true}
}

func (d DashboardModel) Init() tea.Cmd {
	return d.loadCmd()
}

func (d DashboardModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshEvery)
		defer cancel()
		st, err := d.src.Stats(ctx)
		if err != nil {
			return dashLoadedMsg{err: err, at: time.Now()}
		}
		jobs, err := d.src.Jobs(ctx, "", jobsShown)
		return dashLoadedMsg{stats: st, jobs: jobs, err: err, at: time.Now()}
	}
}

func (d DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case dashLoadedMsg:
		d.err = msg.err
		if msg.stats != nil {
			d.stats = msg.stats
			d.jobs = msg.jobs
		}
		d.loading = false
		d.lastLoad = msg.at
		return d, tea.Tick(refreshEvery, func(time.Time) tea.Msg {
			return d.loadCmd()()
		})
	case tea.KeyMsg:
		if msg.String() == "r" {
			d.loading = true
			return d, d.loadCmd()
		}
	}
	return d, nil
}

func (d *DashboardModel) SetSize(w, h int) {
	d.width = w
	d.height = h
}

func (d DashboardModel) View() string {
	if d.stats == nil {
		return d.placeholder()
	}
	st := d.stats

	cardW := 16
	if d.width >= 100 {
		cardW = 20
	}
	summary := lipgloss.JoinHorizontal(lipgloss.Top,
		renderCounter("Repos", st.Repos.TotalRepos, okStyle, cardW),
		renderCounter("Running", st.Repos.JobsByStatus[string(router.JobRunning)], mediumStyle, cardW),
		renderCounter("Failed", st.Repos.JobsByStatus[string(router.JobFailed)], criticalStyle, cardW),
		renderCounter("Machines", st.Relay.ConnectedMachines, lowStyle, cardW),
		renderCounter("Webhooks", st.Webhooks.ActiveHooks, lowStyle, cardW),
	)

	traffic := dimStyle.Render(fmt.Sprintf(
		"relay %d msgs  ·  pubsub %d published / %d subs  ·  bus %d msgs  ·  webhook success %d%%  ·  up %s",
		st.Relay.TotalMessages,
		st.PubSub.TotalPublished, st.PubSub.ActiveSubscriptions,
		st.Bus.TotalMessages,
		st.Webhooks.SuccessRate,
		(time.Duration(st.Uptime) * time.Second).String(),
	))

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Padding(0, 1).Render(summary),
		lipgloss.NewStyle().Padding(0, 1).Render(traffic),
		d.panel("Recent Jobs", d.jobRows(max(5, d.height-14))),
	)
}

// ReposView lists every registered repo with its counters.
func (d DashboardModel) ReposView() string {
	if d.stats == nil {
		return d.placeholder()
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-24s%-16s%-12s%-10s%s", "Repo", "Machine", "Status", "Done/Fail", "Capabilities")) + "\n")
	for _, r := range d.stats.Repos.Repos {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Left,
			lipgloss.NewStyle().Width(24).Foreground(ink).Render(truncate(r.Name, 22)),
			lipgloss.NewStyle().Width(16).Foreground(slate).Render(truncate(r.Machine, 14)),
			lipgloss.NewStyle().Width(12).Render(statusBadge(string(r.Status))),
			lipgloss.NewStyle().Width(10).Render(fmt.Sprintf("%d/%d", r.JobsCompleted, r.JobsFailed)),
			dimStyle.Render(strings.Join(r.Capabilities, ", ")),
		) + "\n")
	}
	if len(d.stats.Repos.Repos) == 0 {
		b.WriteString(dimStyle.Render("No repos registered. POST /api/repos/register from a repo agent.") + "\n")
	}
	return d.panel("Repos", b.String())
}

// JobsView shows the recent job log in full.
func (d DashboardModel) JobsView() string {
	if d.stats == nil {
		return d.placeholder()
	}
	return d.panel("Jobs", d.jobRows(jobsShown))
}

// MachinesView lists relay peers.
func (d DashboardModel) MachinesView() string {
	if d.stats == nil {
		return d.placeholder()
	}
	var b strings.Builder
	self := d.stats.Relay.ThisMachine
	b.WriteString(okStyle.Render("● ") + lipgloss.NewStyle().Foreground(ink).Render(self.MachineName) + dimStyle.Render("  "+self.MachineID+"  (this hub)") + "\n")
	for _, m := range d.stats.Relay.Machines {
		state := "offline"
		if m.Live {
			state = "live"
		}
		channels := make([]string, 0, len(m.Channels))
		for _, c := range m.Channels {
			channels = append(channels, string(c))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Left,
			lipgloss.NewStyle().Width(24).Foreground(ink).Render(truncate(m.Name, 22)),
			lipgloss.NewStyle().Width(12).Render(statusBadge(state)),
			lipgloss.NewStyle().Width(18).Foreground(slate).Render(ago(m.LastSeen, d.lastLoad)),
			dimStyle.Render(strings.Join(channels, ", ")),
		) + "\n")
	}
	if len(d.stats.Relay.Machines) == 0 {
		b.WriteString(dimStyle.Render("No machines connected.") + "\n")
	}
	return d.panel("Machines", b.String())
}

func (d DashboardModel) jobRows(limit int) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-20s%-22s%-14s%s", "Repo", "Action", "Status", "Requested by")) + "\n")
	for i, j := range d.jobs {
		if i >= limit {
			break
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Left,
			lipgloss.NewStyle().Width(20).Foreground(ink).Render(truncate(j.RepoName, 18)),
			lipgloss.NewStyle().Width(22).Foreground(slate).Render(truncate(j.Action, 20)),
			lipgloss.NewStyle().Width(14).Render(statusBadge(string(j.Status))),
			dimStyle.Render(j.RequestedBy),
		) + "\n")
	}
	if len(d.jobs) == 0 {
		b.WriteString(dimStyle.Render("No jobs yet. Run: fleethub task send <repo> <action>") + "\n")
	}
	return b.String()
}

func (d DashboardModel) panel(title, body string) string {
	updated := "never"
	if !d.lastLoad.IsZero() {
		updated = d.lastLoad.Format("15:04:05")
	}
	footer := lipgloss.JoinHorizontal(lipgloss.Left,
		keycapStyle.Render("r"),
		" ",
		dimStyle.Render("refresh"),
		"   ",
		dimStyle.Render("updated "+updated),
	)
	if d.err != nil {
		footer += "   " + errorStyle.Render(d.err.Error())
	}
	return panelStyle.Width(max(20, d.width-2)).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			panelHeaderStyle.Render(title),
			body,
			footer,
		),
	)
}

func (d DashboardModel) placeholder() string {
	msg := "Loading hub stats..."
	if d.err != nil {
		msg = errorStyle.Render("hub unreachable: " + d.err.Error())
	}
	return panelStyle.Width(max(20, d.width-2)).Render(msg)
}

func renderCounter(label string, count int, style lipgloss.Style, width int) string {
	return boxStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Center,
			style.Bold(true).Render(fmt.Sprintf("%d", count)),
			dimStyle.Render(strings.ToUpper(label)),
		),
	) + "  "
}

func ago(ms int64, now time.Time) string {
	if ms == 0 || now.IsZero() {
		return "-"
	}
	d := now.Sub(time.UnixMilli(ms)).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
