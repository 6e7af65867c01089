package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatd",
		Short: "Real-time chat engine",
		Long: `chatd serves room chat over websockets, keeps a Redis window of recent
messages per room, flushes it into the durable log and pushes notifications
to room members' devices.

Configuration comes from the environment (a .env file is loaded first).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newFlushCommand(opts),
		newTokenCommand(opts),
		newClientCommand(opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
