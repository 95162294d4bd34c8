package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#14B8A6"))
	statusLabelStyle  = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("#94A3B8"))
	statusOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	statusWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F97316"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of the running hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, base, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		st, err := c.Stats(ctx)
		if err != nil {
			return fmt.Errorf("querying %s: %w", base, err)
		}
		fmt.Println(renderStatus(base, st))
		return nil
	},
}

func renderStatus(base string, st *hub.Stats) string {
	row := func(label, value string) string {
		return "  " + statusLabelStyle.Render(label) + value
	}
	lines := []string{
		statusHeaderStyle.Render("  fleethub " + st.MachineID),
		row("Hub", base),
		row("Uptime", (time.Duration(st.Uptime) * time.Second).String()),
		row("Repos", fmt.Sprintf("%d  %s", st.Repos.TotalRepos, countsLine(st.Repos.ReposByStatus))),
		row("Jobs", fmt.Sprintf("%d  %s", st.Repos.TotalJobs, countsLine(st.Repos.JobsByStatus))),
		row("Machines", fmt.Sprintf("%d connected, %d relay messages", st.Relay.ConnectedMachines, st.Relay.TotalMessages)),
		row("Pub/sub", fmt.Sprintf("%d published, %d subscriptions, %d retained",
			st.PubSub.TotalPublished, st.PubSub.ActiveSubscriptions, st.PubSub.RetainedMessages)),
		row("Bus", fmt.Sprintf("%d messages, %d subscribers", st.Bus.TotalMessages, st.Bus.ActiveSubscribers)),
	}
	rate := statusOKStyle.Render(fmt.Sprintf("%d%%", st.Webhooks.SuccessRate))
	if st.Webhooks.SuccessRate < 90 {
		rate = statusWarnStyle.Render(fmt.Sprintf("%d%%", st.Webhooks.SuccessRate))
	}
	lines = append(lines, row("Webhooks", fmt.Sprintf("%d/%d active, %d deliveries, %s ok",
		st.Webhooks.ActiveHooks, st.Webhooks.TotalHooks, st.Webhooks.TotalDeliveries, rate)))
	return strings.Join(lines, "\n")
}

// countsLine renders a status histogram as "a:1 b:2" in key order.
func countsLine(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}
