package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/campus-booking/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release expired checkout holds once",
	Long: `Release seats held by card checkouts older than reservations.hold_ttl
and exit. Useful from cron when the server runs with the sweeper off.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	s := sweeper.New(a.holds, cfg.Reservations.HoldTTL, cfg.Reservations.SweepInterval, log)
	if !s.Enabled() {
		return errors.New("reservations.hold_ttl is not set; nothing to sweep")
	}

	n, err := s.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d stale hold(s)\n", n)
	return nil
}
