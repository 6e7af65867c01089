package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/flush"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	*RootOptions
	Room int64
}

func newFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Flush cached rooms into the durable log once and exit",
		Long: `Flush cached rooms into the durable log once and exit.

Every room found in the cache is appended to the log and evicted from the
cache. Rooms that fail are left cached.

Examples:
  chatd flush
  chatd flush --room 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Room, "room", 0, "flush only this room")
	return cmd
}

func runFlush(ctx context.Context, opts *FlushOptions, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := flush.NewScheduler(cache.NewRoomCache(a.redis), a.log, flush.Options{Interval: cfg.FlushInterval}, logger)

	if opts.Room > 0 {
		res, err := scheduler.FlushRoom(ctx, opts.Room, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "room %d: %d inserted, %d already stored\n", opts.Room, res.Inserted, res.Skipped)
		return nil
	}

	stats, err := scheduler.FlushOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rooms: %d inserted, %d already stored, %d failed\n",
		stats.Rooms, stats.Inserted, stats.Skipped, stats.Failed)
	if stats.Failed > 0 {
		return fmt.Errorf("%d rooms failed to flush", stats.Failed)
	}
	return nil
}
