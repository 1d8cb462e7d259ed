package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/beatbridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	debug      bool
)

// RootCmd is the beatbridge command.
var RootCmd = &cobra.Command{
	Use:   "beatbridge",
	Short: "Follow the beat of a DJ application and relay it to other gear",
	Long: `beatbridge reads tempo and position counters from a DJ application,
reconstructs a continuous beat phase for every deck and publishes it to
OSC, oscsync, DMX, MIDI clock, MQTT, web and file outputs.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
}

// loadConfig reads the configuration named by --config and applies --debug.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.App.Debug = true
	}
	return cfg, nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
