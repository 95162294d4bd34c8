package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var publishRetain bool

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <payload>",
	Short: "Publish a message to a pub/sub topic",
	Long: `Publishes payload on topic. A payload that parses as JSON is sent as
JSON; anything else is sent as a string. --retain keeps it as the topic's
last known value for future subscribers.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			payload = args[1]
		}
		c, _, err := newClient()
		if err != nil {
			return err
		}
		msg, err := c.Publish(cmd.Context(), args[0], payload, publishRetain)
		if err != nil {
			return err
		}
		fmt.Printf("published %s on %s\n", msg.ID, msg.Topic)
		return nil
	},
}

func init() {
	publishCmd.Flags().BoolVar(&publishRetain, "retain", false, "retain as the topic's last value")
}
