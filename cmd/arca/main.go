// -----------------------------------------------------------------------
// Arca CLI - ingest, classify, archive, and search personal documents
// -----------------------------------------------------------------------

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/models"
)

// configPaths allows multiple --config flags; later files override
// earlier ones.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func (c *configPaths) Type() string {
	return "path"
}

var (
	configFiles configPaths

	// Global state shared by subcommands, set in loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "arca",
	Short: "Personal document archival pipeline",
	Long: `Arca ingests documents from mail, local folders, and chat streams,
classifies them against trained workflows, and archives them into a
plain-filesystem tree with sidecar metadata and a searchable index.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Version must work with a broken or absent config
		if cmd.Name() == "version" {
			logger = arbor.NewLogger()
			return nil
		}
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().VarP(&configFiles, "config", "c",
		"Configuration file path (repeatable, later files override earlier ones)")
}

// loadConfig resolves configuration and the logger for every command:
// defaults -> config files -> environment.
func loadConfig() error {
	// Auto-discover arca.toml next to the working directory
	if len(configFiles) == 0 {
		if _, err := os.Stat("arca.toml"); err == nil {
			configFiles = append(configFiles, "arca.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(nil, configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger = common.InitLogger(config)
	return nil
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64*1024)
			n := runtime.Stack(buf, false)
			common.WriteCrashFile(r, string(buf[:n]))
			os.Exit(3)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(models.ExitCode(err))
	}
}
