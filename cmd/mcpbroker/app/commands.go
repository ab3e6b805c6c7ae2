// SPDX-License-Identifier: Apache-2.0

// Package app provides the mcpbroker command-line interface.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcpbroker/pkg/broker"
)

var rootCmd = &cobra.Command{
	Use:               "mcpbroker",
	DisableAutoGenTag: true,
	Short:             "OAuth 2.1 identity broker for MCP services",
	Long: `mcpbroker is an OAuth 2.1 authorization server that brokers
authentication for MCP services: clients authorize against the broker
with PKCE, the broker delegates user authentication to an upstream
identity provider (Google or Microsoft), and issues its own tokens bound
to the resolved local user identity.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if viper.GetBool("debug") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

// NewRootCmd creates the root command for the mcpbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	for _, flag := range []string{"debug", "config"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			slog.Error("failed to bind flag", "flag", flag, "error", err)
		}
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.Info("configuration is valid", "issuer", cfg.ServerURL)
			return nil
		},
	}
}

// loadConfig reads the broker configuration from the configured file and
// MCPBROKER_* environment variables.
func loadConfig() (*broker.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MCPBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpbroker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mcpbroker")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		// No config file: environment variables may still carry a full
		// configuration.
	}

	var cfg broker.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
