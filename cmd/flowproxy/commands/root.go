// Package commands provides the CLI commands for flowproxy.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "flowproxy",
	Short: "flowproxy - streaming LLM proxy for draw.io flow generation",
	Long: `flowproxy relays draw.io flow requests to the Anthropic messages API.

Each session's first request uses the generation prompt. Later requests
use the modification prompt seeded with the last draw.io document the
session produced. Responses stream back as newline-delimited JSON events.

Run 'flowproxy serve' to start the HTTP server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("flowproxy %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// initLogging applies the log section of cfg. Flags win over the config
// file. Offline commands stay quiet unless --print-logs is given.
func initLogging(cfg types.LogConfig, console bool) {
	lc := logging.DefaultConfig()
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	lc.Level = logging.ParseLevel(level)
	lc.Pretty = cfg.Pretty
	lc.LogToFile = cfg.File
	if cfg.Dir != "" {
		lc.LogDir = cfg.Dir
	}
	if !console && !printLogs {
		lc.Output = io.Discard
	}
	logging.Init(lc)
}
