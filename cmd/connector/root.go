package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/connector/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "connector",
	Short: "Multi-channel chat webhook relay",
	Long: `connector receives webhooks from messaging platforms, forwards the
normalized messages to bot endpoints and delivers the bots' replies back
through each platform's API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the TOML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
