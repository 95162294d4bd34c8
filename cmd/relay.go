package cmd

import (
	"fmt"

	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/spf13/cobra"
)

var relayType string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Send messages across the machine relay",
}

var relaySendCmd = &cobra.Command{
	Use:   "send <machine|*> <content>",
	Short: "Send content to one machine, or to all with *",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RelaySend(cmd.Context(), args[0], args[1], relay.Type(relayType))
		if err != nil {
			return err
		}
		fmt.Printf("message %s\n", res.Message.ID)
		for _, d := range res.Deliveries {
			line := fmt.Sprintf("  %-24s %s", d.MachineID, d.Outcome)
			if d.Error != "" {
				line += "  " + d.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	relaySendCmd.Flags().StringVar(&relayType, "type", string(relay.TypeChat), "message type (chat, command, status, file, task)")
	relayCmd.AddCommand(relaySendCmd)
}
