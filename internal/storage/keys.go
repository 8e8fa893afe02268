// -----------------------------------------------------------------------
// Key file loading - seeds the KV store from TOML files in the keys
// directory so config files can reference secrets as {key-name}
// -----------------------------------------------------------------------

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
)

// keyFileEntry is one [key-name] section of a key file.
type keyFileEntry struct {
	Value       string `toml:"value"`
	Description string `toml:"description"`
}

// LoadKeysFromDir loads every *.toml file in dir into the KV store and
// returns the number of keys written. Each TOML section becomes one
// key. A missing directory is not an error; the keys dir is optional.
// Later files override earlier ones, with a warning on the collision.
func LoadKeysFromDir(ctx context.Context, kv interfaces.KeyValueStorage, dir string, logger arbor.ILogger) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("path", dir).Msg("Keys directory not found, skipping")
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read keys directory: %w", err)
	}

	loaded := 0
	seen := make(map[string]string) // normalized key -> source file

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}

		sections, err := parseKeyFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to load key file")
			continue
		}

		for name, section := range sections {
			if name == "" || section.Value == "" {
				logger.Warn().Str("file", entry.Name()).Str("key", name).Msg("Key file section missing value")
				continue
			}

			normalized := strings.ToLower(strings.TrimSpace(name))
			if previous, dup := seen[normalized]; dup {
				logger.Warn().
					Str("key", name).
					Str("file", entry.Name()).
					Str("previous_file", previous).
					Msg("Duplicate key across key files, later file wins")
			}

			description := section.Description
			if description == "" {
				description = "Loaded from " + entry.Name()
			}
			if _, err := kv.Upsert(ctx, name, section.Value, description); err != nil {
				logger.Error().Err(err).Str("key", name).Msg("Failed to store key from file")
				continue
			}
			seen[normalized] = entry.Name()
			loaded++
		}
	}

	if loaded > 0 {
		logger.Info().Int("keys", loaded).Str("dir", dir).Msg("Loaded keys from files")
	}
	return loaded, nil
}

func parseKeyFile(path string) (map[string]*keyFileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var sections map[string]*keyFileEntry
	if err := toml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("no sections found")
	}
	return sections, nil
}
