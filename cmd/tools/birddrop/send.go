package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/birddrop/backend/internal/service/transfer"
)

func newSendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send <sessionId> <file>...",
		Short: "Join a session and send files to the peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Join(args[0]); err != nil {
				return err
			}
			link, err := transfer.Negotiate(ctx, client, c.transferOptions(cmd))
			if err != nil {
				return err
			}
			defer link.Close()

			if err := link.Send(ctx, args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d file(s)\n", len(args)-1)
			return nil
		},
	}
}
