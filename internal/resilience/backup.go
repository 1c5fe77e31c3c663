// Package resilience keeps the node recoverable: scheduled backups with
// retention, snapshot and rollback, periodic health probes, and a supervisor
// that restarts failing dependencies with bounded retries.
package resilience

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

	"gopkg.in/yaml.v3"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/internal/storage"
)

// Backup kinds.
const (
	BackupFull        = "full"
	BackupIncremental = "incremental"
)

const (
	fullInterval   = 7 * 24 * time.Hour
	backupInterval = 24 * time.Hour
)

// BackupMeta is the sidecar written next to every archive.
type BackupMeta struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	// Base names the full backup an incremental builds on.
	Base      string `json:"base,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupManager produces and prunes node backups. A full backup captures the
// metadata database, the installed package artifacts, and a configuration
// snapshot; a daily incremental captures the chat tail and the installed
// version index since the last full.
type BackupManager struct {
	meta       *storage.MetadataStore
	cfg        *config.Config
	backupDir  string
	archiveDir string
	retention  time.Duration
	logger     logging.Logger
	now        func() time.Time
}

// NewBackupManager wires the backup manager. archiveDir is where installed
// package artifacts live.
func NewBackupManager(cfg *config.Config, meta *storage.MetadataStore, archiveDir string, logger logging.Logger) *BackupManager {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	retentionDays := cfg.Backup.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 28
	}
	return &BackupManager{
		meta:       meta,
		cfg:        cfg,
		backupDir:  cfg.Node.BackupDir,
		archiveDir: archiveDir,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		logger:     logger.WithComponent("backup"),
		now:        time.Now,
	}
}

// Run produces backups on a daily cadence: a full one weekly, incrementals
// in between, pruning expired archives after each pass.
func (b *BackupManager) Run(ctx context.Context) {
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kind := BackupIncremental
			if b.fullIsDue(ctx) {
				kind = BackupFull
			}
			if _, err := b.Create(ctx, kind); err != nil {
				b.logger.ErrorContext(ctx, "scheduled backup failed",
					"type", kind, "error", err.Error())
			}
			if err := b.Prune(ctx); err != nil {
				b.logger.ErrorContext(ctx, "backup prune failed", "error", err.Error())
			}
		}
	}
}

func (b *BackupManager) fullIsDue(ctx context.Context) bool {
	last, err := b.latestFull(ctx)
	if err != nil || last == nil {
		return true
	}
	return b.now().Sub(last.CreatedAt) >= fullInterval
}

// Create produces one backup of the given kind and returns its sidecar. An
// incremental without a prior full is upgraded to a full.
func (b *BackupManager) Create(ctx context.Context, kind string) (*BackupMeta, error) {
	if err := os.MkdirAll(b.backupDir, 0o750); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to create backup directory", err)
	}

	var base *BackupMeta
	if kind == BackupIncremental {
		last, err := b.latestFull(ctx)
		if err != nil {
			return nil, err
		}
		if last == nil {
			kind = BackupFull
		} else {
			base = last
		}
	}

	now := b.now().UTC()
	id := fmt.Sprintf("%s_%s", kind, now.Format("20060102_150405"))
	path := filepath.Join(b.backupDir, id+".tar.gz")

	var err error
	if kind == BackupFull {
		err = b.writeFull(ctx, path)
	} else {
		err = b.writeIncremental(ctx, path, base)
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	meta, err := b.writeSidecar(path, id, kind, now, base)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	b.logger.InfoContext(ctx, "backup created",
		"id", meta.ID, "type", meta.Type, "size_bytes", meta.SizeBytes)
	return meta, nil
}

// writeFull archives the metadata database, every package artifact, and a
// YAML snapshot of the running configuration. The WAL is checkpointed first
// so the file copy is complete.
func (b *BackupManager) writeFull(ctx context.Context, path string) error {
	if err := b.meta.Checkpoint(ctx); err != nil {
		return err
	}
	return writeArchive(path, func(tw *tar.Writer) error {
		if err := addFileToTar(tw, b.cfg.Metadata.Path, "metadata/tutor.db"); err != nil {
			return err
		}
		if err := b.addArchiveArtifacts(tw); err != nil {
			return err
		}
		return b.addConfigSnapshot(tw)
	})
}

// writeIncremental archives the chats appended since the base full backup
// and the current installed-version index.
func (b *BackupManager) writeIncremental(ctx context.Context, path string, base *BackupMeta) error {
	chats, err := b.meta.ListChatsSince(ctx, base.CreatedAt)
	if err != nil {
		return err
	}
	versions, err := b.meta.ListInstalledVersions(ctx)
	if err != nil {
		return err
	}
	return writeArchive(path, func(tw *tar.Writer) error {
		if err := addJSONToTar(tw, "incremental/chats.json", chats); err != nil {
			return err
		}
		return addJSONToTar(tw, "incremental/installed_versions.json", versions)
	})
}

func (b *BackupManager) addArchiveArtifacts(tw *tar.Writer) error {
	entries, err := os.ReadDir(b.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.KindStorage, "failed to read package archive", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".vkp") {
			continue
		}
		src := filepath.Join(b.archiveDir, entry.Name())
		if err := addFileToTar(tw, src, "packages/"+entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (b *BackupManager) addConfigSnapshot(tw *tar.Writer) error {
	// Secrets stay out of archives.
	snapshot := *b.cfg
	snapshot.Embedding.OpenAIAPIKey = ""
	snapshot.Qdrant.APIKey = ""
	snapshot.Telemetry.Salt = ""
	data, err := yaml.Marshal(&snapshot)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to snapshot configuration", err)
	}
	return addBytesToTar(tw, "config/config.yaml", data)
}

func (b *BackupManager) writeSidecar(path, id, kind string, created time.Time, base *BackupMeta) (*BackupMeta, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to stat backup archive", err)
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}
	meta := &BackupMeta{
		ID:        id,
		Type:      kind,
		CreatedAt: created,
		SizeBytes: stat.Size(),
		Checksum:  sum,
	}
	if base != nil {
		meta.Base = base.ID
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to encode backup sidecar", err)
	}
	if err := os.WriteFile(path+".meta.json", data, 0o600); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to write backup sidecar", err)
	}
	return meta, nil
}

// List returns every backup sidecar, newest first.
func (b *BackupManager) List(_ context.Context) ([]BackupMeta, error) {
	entries, err := os.ReadDir(b.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "failed to read backup directory", err)
	}
	var backups []BackupMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.backupDir, entry.Name()))
		if err != nil {
			continue
		}
		var meta BackupMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			b.logger.Warn("skipping unreadable backup sidecar", "file", entry.Name())
			continue
		}
		backups = append(backups, meta)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (b *BackupManager) latestFull(ctx context.Context) (*BackupMeta, error) {
	backups, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].Type == BackupFull {
			return &backups[i], nil
		}
	}
	return nil, nil
}

// Prune removes backups older than the retention window.
func (b *BackupManager) Prune(ctx context.Context) error {
	cutoff := b.now().Add(-b.retention)
	backups, err := b.List(ctx)
	if err != nil {
		return err
	}
	for i := range backups {
		if !backups[i].CreatedAt.Before(cutoff) {
			continue
		}
		path := filepath.Join(b.backupDir, backups[i].ID+".tar.gz")
		for _, f := range []string{path, path + ".meta.json"} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(errors.KindStorage, "failed to prune backup", err)
			}
		}
		b.logger.Info("pruned expired backup", "id", backups[i].ID)
	}
	return nil
}

// Restore unpacks a full backup's files into their live locations. The
// caller must have stopped everything that holds the metadata database open.
func (b *BackupManager) Restore(_ context.Context, meta *BackupMeta) error {
	if meta.Type != BackupFull {
		return errors.New(errors.KindValidation, "only full backups can be restored directly")
	}
	path := filepath.Join(b.backupDir, meta.ID+".tar.gz")
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	if sum != meta.Checksum {
		return errors.Newf(errors.KindChecksumMismatch,
			"backup %s does not match its recorded checksum", meta.ID)
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to open backup archive", err)
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "backup archive is not gzip", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.KindStorage, "failed to read backup entry", err)
		}
		dest, ok := b.restoreTarget(header.Name)
		if !ok {
			continue
		}
		if err := writeRestoredFile(dest, tr); err != nil {
			return err
		}
	}
}

// restoreTarget maps an archive entry to its live path. Unknown entries are
// skipped rather than written anywhere an archive author chooses.
func (b *BackupManager) restoreTarget(name string) (string, bool) {
	switch {
	case name == "metadata/tutor.db":
		return b.cfg.Metadata.Path, true
	case strings.HasPrefix(name, "packages/"):
		base := filepath.Base(name)
		if !strings.HasSuffix(base, ".vkp") {
			return "", false
		}
		return filepath.Join(b.archiveDir, base), true
	default:
		return "", false
	}
}

func writeRestoredFile(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to create restore directory", err)
	}
	tmp := dest + ".restore"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to create restore file", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindStorage, "failed to write restore file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindStorage, "failed to finalize restore file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to move restore file into place", err)
	}
	return nil
}

func writeArchive(path string, fill func(*tar.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to create backup archive", err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	if err := fill(tw); err != nil {
		tw.Close()
		gz.Close()
		file.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		file.Close()
		return errors.Wrap(errors.KindStorage, "failed to finalize tar stream", err)
	}
	if err := gz.Close(); err != nil {
		file.Close()
		return errors.Wrap(errors.KindStorage, "failed to finalize gzip stream", err)
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to close backup archive", err)
	}
	return nil
}

func addFileToTar(tw *tar.Writer, src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to read file for backup", err)
	}
	return addBytesToTar(tw, name, data)
}

func addJSONToTar(tw *tar.Writer, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to encode backup payload", err)
	}
	return addBytesToTar(tw, name, data)
}

func addBytesToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0o644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to write tar header", err)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to write tar entry", err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(errors.KindStorage, "failed to open file for checksum", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(errors.KindStorage, "failed to checksum file", err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}
