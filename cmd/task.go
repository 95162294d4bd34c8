package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/fleethub/internal/client"
	"github.com/spf13/cobra"
)

var (
	taskDescription string
	taskFrom        string
	taskParams      []string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Send tasks to registered repos",
}

var taskSendCmd = &cobra.Command{
	Use:   "send <repo> <action>",
	Short: "Queue a task on a repo and print the job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(taskParams)
		if err != nil {
			return err
		}
		c, _, err := newClient()
		if err != nil {
			return err
		}
		job, err := c.SendTask(cmd.Context(), args[0], client.TaskRequest{
			Action:      args[1],
			Description: taskDescription,
			RequestedBy: taskFrom,
			Params:      params,
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued job %s on %s (%s)\n", job.ID, job.RepoName, job.Action)
		return nil
	},
}

func init() {
	taskSendCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "free-text task description")
	taskSendCmd.Flags().StringVar(&taskFrom, "from", "human", "requester name checked against the repo's allow list")
	taskSendCmd.Flags().StringArrayVarP(&taskParams, "param", "p", nil, "task parameter as key=value (repeatable; JSON values are decoded)")
	taskCmd.AddCommand(taskSendCmd)
}

// parseParams turns key=value pairs into a params map. Values that parse as
// JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q (want key=value)", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
