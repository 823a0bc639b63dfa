// Command lidarctl drives a lidar server from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jduanen/CritterDetector/internal/logging"
	"github.com/jduanen/CritterDetector/pkg/client"
)

type globalFlags struct {
	host        string
	commandPort int
	dataPort    int
	timeout     time.Duration
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "lidarctl",
		Short:         "Control a lidar scanner server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Setup(os.Stderr, g.logLevel, true)
		},
	}
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.host, "host", client.DefaultHost, "server host")
	pf.IntVar(&g.commandPort, "command-port", client.DefaultCommandPort, "command channel port")
	pf.IntVar(&g.dataPort, "data-port", client.DefaultDataPort, "data channel port")
	pf.DurationVar(&g.timeout, "timeout", client.DefaultReplyTimeout, "reply timeout")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")

	connect := func() *client.Client {
		return client.New(client.Options{
			Host:         g.host,
			CommandPort:  g.commandPort,
			DataPort:     g.dataPort,
			ReplyTimeout: g.timeout,
		})
	}

	cmd.AddCommand(
		newInitCmd(connect),
		newStopCmd(connect),
		newResetCmd(connect),
		newHaltCmd(connect),
		newStatusCmd(connect),
		newSetCmd(connect),
		newGetCmd(connect),
		newScanCmd(connect),
		newLaserCmd(connect),
		newStreamCmd(connect),
		newVersionCmd(connect),
		newRecordingCmd(),
	)
	return cmd
}

// printJSON writes v to the command's output as indented JSON.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withClient runs fn with a fresh client and closes it afterwards.
func withClient(cmd *cobra.Command, connect func() *client.Client, fn func(ctx context.Context, c *client.Client) error) error {
	c := connect()
	defer func() {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Msg("Close failed")
		}
	}()
	return fn(cmd.Context(), c)
}
