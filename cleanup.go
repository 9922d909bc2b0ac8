package main

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every event cvvsync created and forget the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if !yes {
				fmt.Print("⚠️  Are you sure you want to delete all synchronized events? (y/N): ")
				var confirmation string
				fmt.Scanln(&confirmation)
				if confirmation != "y" && confirmation != "Y" {
					fmt.Println("❌ Cleanup cancelled")
					return nil
				}
			}

			e, err := newEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			deleted, err := e.orchestrator.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✅ %d events deleted, snapshot reset\n", deleted)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// Purge deletes every system-owned event in the sync range and resets the
// snapshot. It waits for a pass in flight to finish first.
func (o *Orchestrator) Purge(ctx context.Context) (int, error) {
	if err := o.lock.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer o.lock.Release(1)

	if err := o.Login(ctx); err != nil {
		return 0, err
	}
	start, end, err := o.SyncRange(ctx)
	if err != nil {
		return 0, err
	}
	events, err := o.OwnedEvents(ctx, start, end)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, ev := range events {
		level.Info(o.cfg.Logger).Log("msg", "deleting event", "summary", ev.Summary, "id", ev.ID)
		if err := o.cfg.Calendar.DeleteEvent(ctx, ev.ID); err != nil {
			return deleted, fmt.Errorf("error deleting event %q: %w", ev.Summary, err)
		}
		deleted++
	}

	if err := o.cfg.Snapshots.Reset(o.cfg.Source.Identity()); err != nil {
		return deleted, err
	}
	return deleted, nil
}
