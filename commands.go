package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ltfs-tier/catalog"
	"ltfs-tier/queue"
	"ltfs-tier/sweeper"
	"ltfs-tier/utils"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired files from the disk cache once",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		stats := sweeper.New(cfg.Cache.Root, cfg.Cache.Retention, cfg.Cache.SweepInterval).
			WithUncacher(store).Sweep(cmd.Context())
		fmt.Printf("deleted %d files and %d directories, %s freed, %d errors\n",
			stats.Files, stats.Dirs, utils.FormatSize(stats.Bytes), stats.Errors)
		return nil
	},
}

var auditGroup string

// auditCmd prints what the autoloader holds next to what the catalog says.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the drive, the slots, the tapes of a group and the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		status, err := svc.library.LibraryStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Println("\nLibrary: ", cfg.Library.Device)
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "\nDrive\tState\tCart")
		state, _, err := svc.controller.State(ctx)
		if err != nil {
			return err
		}
		for _, d := range status.Drives {
			cart := "No Cartridge"
			if d.Full {
				cart = d.VolumeTag
			}
			driveState := "-"
			if d.Number == cfg.Drive.Slot {
				driveState = state.String()
			}
			fmt.Fprintf(w, "%02d\t%s\t%s\n", d.Number, driveState, cart)
		}
		fmt.Fprintln(w, "\nCartridge\tSlot")
		for _, slot := range status.Slots {
			if slot.Full {
				fmt.Fprintf(w, "%s\t%d\n", slot.VolumeTag, slot.Number)
			}
		}
		if auditGroup != "" {
			tapes, err := svc.store.GroupTapes(ctx, auditGroup)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nTape (%s)\tTotal\tUsed\tAvailable\tUse%%\n", auditGroup)
			for _, t := range tapes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\n", t.TapeID, t.TotalSize, t.UsedSize, t.AvailableSize, t.UsagePercentage)
			}
		}
		counts, err := svc.queue.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "\nJobs\tCount")
		for _, s := range []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusCompleted, queue.StatusFailed} {
			fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
		}
		return w.Flush()
	},
}

var refreshTape string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Mount a tape and record its free space",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()
		tapeID := refreshTape
		if tapeID == "" {
			current, full, err := svc.controller.CurrentTape(ctx)
			if err != nil {
				return err
			}
			if !full {
				return errors.New("no tape in the drive; name one with --tape")
			}
			tapeID = current
		}
		if err := svc.controller.EnsureCorrectTape(ctx, tapeID); err != nil {
			return err
		}
		if err := svc.refresher.Refresh(ctx, tapeID); err != nil {
			return err
		}
		tape, err := svc.store.GetTape(ctx, tapeID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s used of %s, %s available (%.1f%%)\n", tape.TapeID, tape.UsedSize, tape.TotalSize, tape.AvailableSize, tape.UsagePercentage)
		return nil
	},
}

var hostCmd = &cobra.Command{
	Use:   "host <group> <alias> <address>",
	Short: "Register the address of a group's host alias for secure copies",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.SaveHost(cmd.Context(), catalog.Host{GroupName: args[0], Alias: args[1], Address: args[2]})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditGroup, "group", "", "also list the catalog's tapes of this group")
	refreshCmd.Flags().StringVar(&refreshTape, "tape", "", "tape to refresh (default: the one in the drive)")
	rootCmd.AddCommand(hostCmd)
}
