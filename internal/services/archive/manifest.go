package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arca/internal/models"
)

const (
	manifestName = "manifest.jsonl"
	lockName     = ".manifest.lock"

	lockTimeout    = 10 * time.Second
	lockPoll       = 50 * time.Millisecond
	lockStaleAfter = time.Minute
)

// ManifestEntry is one append-only manifest line.
type ManifestEntry struct {
	DocumentID   string    `json:"document_id"`
	MetadataPath string    `json:"metadata_path"`
	Timestamp    time.Time `json:"timestamp"`
}

// AppendManifest serializes one entry onto {dir}/manifest.jsonl under
// the directory's advisory lock. dir is the entity root; MetadataPath
// should be relative to it.
func AppendManifest(dir string, entry ManifestEntry) error {
	lock, err := acquireDirLock(dir)
	if err != nil {
		return err
	}
	defer lock.release()

	line, err := json.Marshal(entry)
	if err != nil {
		return models.E(models.KindDataIntegrity, "archive.manifest", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, manifestName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return models.E(models.KindIO, "archive.manifest", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return models.E(models.KindIO, "archive.manifest", err)
	}
	if err := f.Sync(); err != nil {
		return models.E(models.KindIO, "archive.manifest", err)
	}
	return nil
}

// ReadManifest returns all entries of {dir}/manifest.jsonl in file
// order. A missing manifest yields an empty slice. Unparseable lines
// are skipped.
func ReadManifest(dir string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, models.E(models.KindIO, "archive.manifest", err)
	}

	var entries []ManifestEntry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i < len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var entry ManifestEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type dirLock struct {
	path string
}

// acquireDirLock takes the advisory lock for dir, polling until the
// timeout. Locks abandoned by a crashed process are broken after
// lockStaleAfter.
func acquireDirLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.E(models.KindIO, "archive.lock", err)
	}

	path := filepath.Join(dir, lockName)
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return &dirLock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, models.E(models.KindIO, "archive.lock", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, models.Errorf(models.KindLockTimeout, "archive.lock",
				"could not acquire %s within %s", path, lockTimeout)
		}
		time.Sleep(lockPoll)
	}
}

func (l *dirLock) release() {
	os.Remove(l.path)
}
