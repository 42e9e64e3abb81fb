package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ltfs-tier/catalog"
	"ltfs-tier/tapehardware"
	"ltfs-tier/utils"
)

var simulate struct {
	tapes  int
	group  string
	prefix string
}

// simulateCmd builds a directory backed autoloader and registers its tapes
// so the service can run with Library.Simulate set.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Create simulated tapes and register them for a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulate.tapes < 1 {
			return errors.New("--tapes must be at least 1")
		}
		size, err := utils.ParseSize(cfg.Library.SimulatedSize)
		if err != nil {
			return errors.Wrap(err, "Library.SimulatedSize")
		}
		tags := make([]string, simulate.tapes)
		for i := range tags {
			tags[i] = fmt.Sprintf("%s%03dL8", simulate.prefix, i)
		}
		if err := tapehardware.CreateSimulatedTapes(cfg.Library.SimulationDir, tags); err != nil {
			return err
		}

		store, err := catalog.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		label := utils.FormatSize(size)
		for _, tag := range tags {
			err := store.SaveTape(cmd.Context(), &catalog.TapeRecord{
				TapeID:        tag,
				GroupName:     simulate.group,
				TotalSize:     label,
				UsedSize:      utils.FormatSize(0),
				AvailableSize: label,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", tag, simulate.group, label)
		}
		log.WithFields(log.Fields{"dir": cfg.Library.SimulationDir, "tapes": len(tags)}).Info("simulated tapes ready")
		return nil
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulate.tapes, "tapes", 4, "number of tapes to create")
	simulateCmd.Flags().StringVar(&simulate.group, "group", "", "group that owns the tapes")
	simulateCmd.Flags().StringVar(&simulate.prefix, "prefix", "SIM", "volume tag prefix")
	simulateCmd.MarkFlagRequired("group")
}
