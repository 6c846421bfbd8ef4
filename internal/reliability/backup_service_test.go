package reliability

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	content := []byte("accounts snapshot bytes")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), got)
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "accounts.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("snapshot"), 0o644))

	metadata := BackupMetadata{
		Timestamp: time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC),
		Version:   "1.0.0",
		Filename:  "accounts.db",
		SizeBytes: 8,
		Checksum:  "sha256:abc",
	}
	metadataPath := filepath.Join(dir, "backup-metadata.json")
	require.NoError(t, writeMetadata(metadataPath, metadata))

	archivePath := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createArchive(archivePath, []string{dbPath, metadataPath}))

	// Unpack and verify both entries survived with flattened names.
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = data
	}

	require.Len(t, entries, 2)
	assert.Equal(t, []byte("snapshot"), entries["accounts.db"])

	var got BackupMetadata
	require.NoError(t, json.Unmarshal(entries["backup-metadata.json"], &got))
	assert.True(t, got.Timestamp.Equal(metadata.Timestamp))
	assert.Equal(t, "sha256:abc", got.Checksum)
}

func TestBackupArchiveNameCarriesTimestamp(t *testing.T) {
	name := backupPrefix + time.Date(2026, 8, 24, 3, 0, 5, 0, time.UTC).Format("2006-01-02-150405") + ".tar.gz"
	assert.Equal(t, "quotehub-backup-2026-08-24-030005.tar.gz", name)

	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), ".tar.gz")
	ts, err := time.Parse("2006-01-02-150405", stamp)
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
}
