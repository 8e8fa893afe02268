package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/services/workflow"
	"github.com/ternarybob/arca/internal/storage"
)

var initReset bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration and seed default workflows",
	Long: `Writes a default arca.toml when none exists, seeds the starter
workflows and key/value defaults, and prepares the local databases.

--reset wipes derived state only: the dedup/workflow/criteria store and
the search indexes. Archived documents are never touched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initReset, "reset", false,
		"Wipe derived state (databases and indexes) before seeding")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	configPath := "arca.toml"
	if len(configFiles) > 0 {
		configPath = configFiles[0]
	}
	if err := writeDefaultConfig(configPath); err != nil {
		return err
	}

	if initReset {
		// Badger is wiped by the open path below; the sqlite indexes
		// live under the archive base and go here. Archive content stays.
		indexDir := filepath.Join(config.Archive.BasePath, "indexes")
		if err := os.RemoveAll(indexDir); err != nil {
			return fmt.Errorf("failed to reset indexes at %s: %w", indexDir, err)
		}
		config.Storage.ResetOnStartup = true
		fmt.Printf("Reset derived state (databases, indexes); archive content untouched\n")
	}

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer storageManager.Close()

	ctx := cmd.Context()

	added, err := workflow.SeedDefaults(ctx, storageManager.WorkflowStorage(), logger)
	if err != nil {
		return fmt.Errorf("failed to seed workflows: %w", err)
	}
	seeded, err := seedKVDefaults(ctx, storageManager.KeyValueStorage())
	if err != nil {
		return fmt.Errorf("failed to seed key/value defaults: %w", err)
	}

	fmt.Printf("Workflows seeded: %d new\n", added)
	fmt.Printf("Key/value defaults seeded: %d new\n", seeded)
	fmt.Printf("Archive base: %s\n", config.Archive.BasePath)
	fmt.Printf("Ready. Try: arca ingest files <dir> --dry-run\n")
	return nil
}

// writeDefaultConfig writes pristine defaults to path unless a config
// already exists there. Environment overrides are deliberately not
// baked into the file.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config exists: %s (left untouched)\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config %s: %w", path, err)
	}

	data, err := toml.Marshal(common.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	fmt.Printf("Config written: %s\n", path)
	return nil
}

// seedKVDefaults inserts missing default KV entries. Existing keys are
// never overwritten, so re-running init preserves user values.
func seedKVDefaults(ctx context.Context, kv interfaces.KeyValueStorage) (int, error) {
	seeded := 0
	for _, def := range common.GetDefaultKVValues() {
		_, err := kv.Get(ctx, def.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			return seeded, err
		}
		if err := kv.Set(ctx, def.Key, def.Value, def.Description); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}
