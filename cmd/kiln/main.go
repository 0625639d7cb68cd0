// kiln is the CLI for the kiln orchestration engine: initialize a store,
// enqueue tasks, inspect versions and snapshots, and render run reports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Register the chat-audit record definitions (models, chats, messages,
	// tool_calls) so every store the CLI opens carries them.
	_ "github.com/untoldecay/kiln/internal/chat"
	"github.com/untoldecay/kiln/internal/config"
	"github.com/untoldecay/kiln/internal/logging"
	"github.com/untoldecay/kiln/internal/store"
	_ "github.com/untoldecay/kiln/internal/task"
	_ "github.com/untoldecay/kiln/internal/workspace"
)

// engineVersion stamps opened databases (schema_engine_version) and is
// reported by kiln version.
const engineVersion = "0.1.0"

var (
	cfg *viper.Viper

	storeDirFlag  string
	storePathFlag string
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Durable orchestration engine for long-running, LLM-driven work",
	Long: `kiln schedules domain records through declared pipelines of plain and
LLM-driven steps, persisting every mutation in a versioned SQLite store so
crashed runs resume mid-pipeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Initialize()
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kiln engine version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kiln %s\n", engineVersion)
	},
}

// openStore resolves the store location from flags (falling back to config
// defaults) and opens the root store.
func openStore() (*store.Store, error) {
	dir, path := storeDirFlag, storePathFlag
	if dir == "" && path == "" {
		dir = cfg.GetString("store-dir")
	}
	resolvedDir, name, err := config.StoreLocation(dir, path)
	if err != nil {
		return nil, err
	}
	if storePathFlag == "" {
		name = cfg.GetString("store-name")
	}
	logger := logging.New(logging.Config{
		File:       cfg.GetString("log-file"),
		MaxSizeMB:  cfg.GetInt("log-max-size-mb"),
		MaxBackups: cfg.GetInt("log-max-backups"),
		MaxAgeDays: cfg.GetInt("log-max-age-days"),
	})
	return store.Open(resolvedDir, name, store.Options{
		Versioned:     cfg.GetBool("versioned"),
		Logger:        logger,
		EngineVersion: engineVersion,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDirFlag, "dir", "", "store directory (database name defaults from config)")
	rootCmd.PersistentFlags().StringVar(&storePathFlag, "path", "", "explicit database path, exclusive with --dir")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
