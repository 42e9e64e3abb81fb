// ltfs-tier moves files between a disk cache and LTFS tapes in an autoloader.
package main

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ltfs-tier/config"
	"ltfs-tier/utils"
)

const DEFAULT_CONFIG_FILE string = ""
const DEFAULT_LOG_FILE string = ""

var (
	configFile string
	logFile    string
	clean      bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "ltfs-tier",
	Short:         "Tape tier for archived user files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
		file := logFile
		if file == "" {
			file = cfg.Logging.File
		}
		logCloser, err = utils.NewLogger(file, cfg.Logging.Level, clean)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", DEFAULT_CONFIG_FILE, "YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", DEFAULT_LOG_FILE, "log file for this run, in addition to stderr")
	rootCmd.PersistentFlags().BoolVar(&clean, "clean", false, "truncate the log file first")

	rootCmd.AddCommand(serveCmd, enqueueCmd, sweepCmd, auditCmd, refreshCmd, simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("ltfs-tier failed")
		os.Exit(1)
	}
}
