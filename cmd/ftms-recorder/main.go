package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ftms-recorder",
	Short: "Record treadmill and heart rate data over Bluetooth LE",
	Long: `ftms-recorder connects to a Fitness Machine Service treadmill and a
heart rate monitor, decodes their notifications, keeps a raw capture log and
dumps it for offline analysis.

Commands:
- run     connect both sensors and record until interrupted
- scan    list nearby machines or heart rate monitors
- decode  decode one hex payload
- fit     convert a capture dump into a FIT activity
- events  show the persisted session events and connection errors
- init    write the default config file`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(fitCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().String("config", "", "path to config file (default: ~/.config/ftms-recorder/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().String("adapter", "", "Adapter (tinygo, sim); overrides the config")
}

// loadConfig loads the config from --config, or falls back to the default
// config path, or uses built-in defaults. Flag overrides are applied and the
// result is validated.
func loadConfig(cmd *cobra.Command, log *logrus.Logger) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	switch {
	case path != "":
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		defaultPath := config.DefaultConfigPath()
		if _, err := os.Stat(defaultPath); err == nil {
			c, err := config.Load(defaultPath)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
			}
			log.WithField("path", defaultPath).Debug("config loaded")
			cfg = c
		} else {
			log.Debug("no config file found, using defaults")
			cfg = config.Default()
			cfg.ExpandPaths()
		}
	}

	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	log.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	return cfg, nil
}
