package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadManifest(t *testing.T) {
	dir := t.TempDir()
	first := ManifestEntry{
		DocumentID:   "mail-expenses-2025-03-10-abc123",
		MetadataPath: "docs/2025/2025-03-10-mail-sswfm0.json",
		Timestamp:    time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC),
	}
	second := ManifestEntry{
		DocumentID:   "mail-expenses-2025-03-11-def456",
		MetadataPath: "docs/2025/2025-03-11-mail-sswfm1.json",
		Timestamp:    time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
	}

	require.NoError(t, AppendManifest(dir, first))
	require.NoError(t, AppendManifest(dir, second))

	entries, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.DocumentID, entries[0].DocumentID)
	assert.Equal(t, first.MetadataPath, entries[0].MetadataPath)
	assert.Equal(t, second.DocumentID, entries[1].DocumentID)

	// The advisory lock does not outlive the append
	_, err = os.Stat(filepath.Join(dir, lockName))
	assert.True(t, os.IsNotExist(err))
}

func TestReadManifest_Missing(t *testing.T) {
	entries, err := ReadManifest(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestReadManifest_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	content := `{"document_id":"ok-1","metadata_path":"a.json","timestamp":"2025-03-10T08:30:00Z"}
not json at all
{"document_id":"ok-2","metadata_path":"b.json","timestamp":"2025-03-10T08:31:00Z"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte(content), 0o644))

	entries, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok-1", entries[0].DocumentID)
	assert.Equal(t, "ok-2", entries[1].DocumentID)
}

func TestAppendManifest_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockName)
	require.NoError(t, os.WriteFile(lockPath, []byte("999999 2025-03-10T08:00:00Z\n"), 0o644))
	stale := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(lockPath, stale, stale))

	err := AppendManifest(dir, ManifestEntry{
		DocumentID:   "mail-expenses-2025-03-10-abc123",
		MetadataPath: "docs/2025/x.json",
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err, "a lock older than a minute is treated as abandoned")

	entries, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendManifest_WaitsForFreshLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockName)
	require.NoError(t, os.WriteFile(lockPath, []byte("1 now\n"), 0o644))

	// Release the lock shortly after the first poll cycle
	go func() {
		time.Sleep(150 * time.Millisecond)
		os.Remove(lockPath)
	}()

	start := time.Now()
	err := AppendManifest(dir, ManifestEntry{DocumentID: "d", MetadataPath: "m.json", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
