package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	relayclient "github.com/zhouzirui/birddrop/backend/internal/client/signaling"
	"github.com/zhouzirui/birddrop/backend/internal/service/transfer"
)

const defaultServer = "ws://localhost:8080/ws"

// cli holds the persistent flags shared by every subcommand.
type cli struct {
	server   string
	stun     []string
	logLevel string
	logger   *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: logrus.New()}
	c.logger.SetOutput(os.Stderr)

	root := &cobra.Command{
		Use:           "birddrop",
		Short:         "Peer-to-peer file sharing over the birddrop relay",
		Long:          `birddrop pairs two devices through the signaling relay and moves files between them over a WebRTC data channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(c.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			c.logger.SetLevel(level)
			c.logger.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}

	server := os.Getenv("BIRDDROP_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&c.server, "server", server, "relay websocket URL (env BIRDDROP_SERVER)")
	root.PersistentFlags().StringSliceVar(&c.stun, "stun", nil, "STUN server URL, repeatable (default "+transfer.DefaultSTUNServer+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		newSendCmd(c),
		newReceiveCmd(c),
		newGeoCmd(c),
		newHealthCmd(c),
	)
	return root
}

func (c *cli) dial(ctx context.Context) (*relayclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := relayclient.Dial(dialCtx, c.server, relayclient.Options{Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", c.server, err)
	}
	return client, nil
}

func (c *cli) transferOptions(cmd *cobra.Command) transfer.Options {
	return transfer.Options{
		Logger:      c.logger,
		Progress:    cmd.ErrOrStderr(),
		STUNServers: c.stun,
	}
}

// httpBase maps the relay websocket URL onto its HTTP origin: ws becomes http,
// wss becomes https, and a trailing /ws path is dropped.
func httpBase(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
