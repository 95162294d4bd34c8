package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/spf13/cobra"
)

var (
	jobStatus string
	jobResult string
	jobError  string
	jobLimit  int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and report on jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		jobs, err := c.Jobs(cmd.Context(), router.JobStatus(jobStatus), jobLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREPO\tACTION\tSTATUS\tREQUESTED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.RepoName, j.Action, j.Status,
				time.UnixMilli(j.RequestedAt).Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var jobUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Report progress on a job (running, completed or failed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := jobUpdateFor(router.JobStatus(jobStatus), jobResult, jobError, time.Now())
		c, _, err := newClient()
		if err != nil {
			return err
		}
		job, err := c.UpdateJob(cmd.Context(), args[0], u)
		if err != nil {
			return err
		}
		fmt.Printf("job %s is %s\n", job.ID, job.Status)
		return nil
	},
}

func init() {
	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "only jobs in this status")
	jobListCmd.Flags().IntVar(&jobLimit, "limit", 20, "maximum jobs to list")
	jobUpdateCmd.Flags().StringVar(&jobStatus, "status", "", "new status: running, completed or failed")
	jobUpdateCmd.Flags().StringVar(&jobResult, "result", "", "result text")
	jobUpdateCmd.Flags().StringVar(&jobError, "error", "", "error text")
	jobCmd.AddCommand(jobListCmd, jobUpdateCmd)
}

// jobUpdateFor stamps the start or completion time that goes with status.
func jobUpdateFor(status router.JobStatus, result, errText string, now time.Time) router.JobUpdate {
	u := router.JobUpdate{Status: status, Result: result, Error: errText}
	switch {
	case status == router.JobRunning:
		u.StartedAt = now.UnixMilli()
	case status.Terminal():
		u.CompletedAt = now.UnixMilli()
	}
	return u
}
