package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

func newGeoCmd(c *cli) *cobra.Command {
	var (
		lat, lon float64
		userID   string
		hint     string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Announce a location and list nearby devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.GeoJoin(lat, lon, userID, hint); err != nil {
				return err
			}

			timer := time.NewTimer(wait)
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-timer.C:
					return nil
				case ev, ok := <-client.Events():
					if !ok {
						return fmt.Errorf("relay closed the connection")
					}
					switch ev.Type {
					case signal.TypeGeoPeerList:
						printPeers(cmd.OutOrStdout(), ev.Peers)
					case signal.TypeGeoConnectionRequest:
						fmt.Fprintf(cmd.OutOrStdout(), "connection request from %s (%s)\n", ev.FromID, ev.Hint)
					case signal.TypeError, signal.TypeGeoBusy:
						return fmt.Errorf("relay: %s %s", ev.Type, ev.Message)
					}
				}
			}
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude in degrees")
	cmd.Flags().StringVar(&userID, "user", "", "user id to announce")
	cmd.Flags().StringVar(&hint, "hint", "", "device hint shown to peers")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to keep listening for updates")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printPeers(w io.Writer, peers []signal.GeoPeer) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "no devices nearby")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tDEVICE\tDISTANCE")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%dm\n", p.UserID, p.Hint, p.Distance)
	}
	_ = tw.Flush()
}
