package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/database"
)

const backupPrefix = "quotehub-backup-"

// BackupMetadata describes one uploaded snapshot archive.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupInfo is one stored backup as seen in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots the accounts store and uploads the archive to
// S3-compatible storage.
type BackupService struct {
	db      *database.DB
	s3      *S3Client
	dataDir string
	log     zerolog.Logger
}

// NewBackupService creates a backup service.
func NewBackupService(db *database.DB, s3Client *S3Client, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:      db,
		s3:      s3Client,
		dataDir: dataDir,
		log:     log.With().Str("component", "backup").Logger(),
	}
}

// CreateAndUpload snapshots the store, packs it with its metadata into a
// tar.gz archive, and uploads the archive.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	started := time.Now()
	s.log.Info().Msg("Starting store backup")

	stagingDir, err := os.MkdirTemp(s.dataDir, "backup-staging-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	snapshotPath := filepath.Join(stagingDir, "accounts.db")
	if err := s.snapshotStore(snapshotPath); err != nil {
		return err
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return fmt.Errorf("checksumming snapshot: %w", err)
	}

	archiveName := backupPrefix + started.UTC().Format("2006-01-02-150405") + ".tar.gz"
	metadata := BackupMetadata{
		Timestamp: started.UTC(),
		Version:   "1.0.0",
		Filename:  "accounts.db",
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, []string{snapshotPath, metadataPath}); err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer archive.Close()
	if err := s.s3.Upload(ctx, archiveName, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("archive", archiveName).
		Int64("snapshot_bytes", info.Size()).
		Dur("took", time.Since(started)).
		Msg("Store backup uploaded")
	return nil
}

// snapshotStore writes a consistent copy of the live database. VACUUM INTO
// produces a checkpointed single-file snapshot without blocking writers.
func (s *BackupService) snapshotStore(dest string) error {
	if _, err := s.db.Conn().Exec("VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("snapshotting store: %w", err)
	}
	return nil
}

// ListBackups returns the stored backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.s3.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		name := *obj.Key
		if !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), ".tar.gz")
		ts, err := time.Parse("2006-01-02-150405", stamp)
		if err != nil {
			s.log.Warn().Str("key", name).Msg("Skipping object with unparsable timestamp")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{Filename: name, Timestamp: ts, SizeBytes: size})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// minBackupsToKeep holds regardless of age.
const minBackupsToKeep = 3

// RotateOldBackups deletes backups older than retentionDays, always keeping
// the newest minBackupsToKeep. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.s3.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Rotated old backups")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

// createArchive packs the files into a tar.gz archive, flattening paths to
// their basenames.
func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFileToArchive(tw, path); err != nil {
			return fmt.Errorf("adding %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
