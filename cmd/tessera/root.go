package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/aretw0/tessera/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tessera",
	Short: "Tessera is an orchestration and UI protocol runtime for agents",
	Long: `Tessera turns user intents into confirmed plans of capabilities and streams
the results to clients as incremental operations on a component graph.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./tessera.yaml, or $TESSERA_CONFIG)")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// setup loads the configuration and the stderr logger it describes.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cli.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
