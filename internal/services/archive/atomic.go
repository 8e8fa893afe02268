package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ternarybob/arca/internal/models"
)

// Hash returns the canonical content hash of data: "sha256:" plus 64
// lowercase hex characters.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// WriteAtomic writes data to path so readers never observe a partial
// file. Parent directories are created, bytes go to a uniquely named
// temp file in the same directory, the temp fd is synced, and the temp
// renames onto the final path. Any failure removes the temp file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.E(models.KindIO, "archive.write_atomic", err)
	}

	tmp := path + ".tmp-" + uuid.New().String()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return models.Errorf(models.KindCollision, "archive.write_atomic", "temp file %s held by concurrent writer", tmp)
		}
		return models.E(models.KindIO, "archive.write_atomic", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return models.E(models.KindIO, "archive.write_atomic", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return models.E(models.KindIO, "archive.write_atomic", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return models.E(models.KindIO, "archive.write_atomic", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return models.E(models.KindIO, "archive.write_atomic", err)
	}
	return nil
}
