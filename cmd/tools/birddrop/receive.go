package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/birddrop/backend/internal/service/transfer"
)

func newReceiveCmd(c *cli) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "receive <sessionId>",
		Short: "Join a session and save the files the peer sends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
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

			files, err := link.Receive(ctx, out)
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory to store received files")
	return cmd
}
