// Command orchestrator runs the automation orchestrator and its operator
// tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/orchestrator/config"
	"github.com/vinayprograms/orchestrator/credentials"
	"github.com/vinayprograms/orchestrator/logging"
)

var version = "dev"

var (
	configPath      string
	credentialsPath string
	logLevel        string
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Run scheduled automation tasks and deliver milestone events",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to orchestrator.toml (default: ./orchestrator.toml if present)")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "path to credentials.toml (default: standard locations)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, inspectCmd, signCmd, receiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves --config, falling back to ./orchestrator.toml.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("orchestrator.toml"); err == nil {
			path = "orchestrator.toml"
		}
	}
	return config.Load(path)
}

// loadCredentials reads --credentials or the first standard location.
// A missing file is fine: every secret has an env fallback.
func loadCredentials() (*credentials.Credentials, string, error) {
	if credentialsPath != "" {
		c, err := credentials.LoadFile(credentialsPath)
		return c, credentialsPath, err
	}
	return credentials.Load()
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New()
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger.SetLevel(logging.ParseLevel(level))
	if cfg.Logging.Format == string(logging.FormatJSON) {
		logger.SetFormat(logging.FormatJSON)
	}
	return logger
}
