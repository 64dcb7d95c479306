package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stelligence/internal/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:           "stelligence",
		Short:         "Collaborative document contribution engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; environment variables override it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reindexCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
