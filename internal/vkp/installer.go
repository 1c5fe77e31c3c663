package vkp

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edgetutor/internal/cache"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

const upsertBatchSize = 100

// Installer applies a verified package: chunks into a fresh vector
// collection, the registry and book rows in one metadata transaction, then
// cache invalidation for the subject. Readers keep seeing the previous
// collection until the transaction commits; the old collection is dropped
// only afterwards.
type Installer struct {
	vector  storage.VectorStore
	meta    *storage.MetadataStore
	cache   cache.Cache
	archive *Archive
	logger  logging.Logger
}

// NewInstaller wires the installer's dependencies.
func NewInstaller(vector storage.VectorStore, meta *storage.MetadataStore, responseCache cache.Cache, archive *Archive, logger logging.Logger) *Installer {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Installer{
		vector:  vector,
		meta:    meta,
		cache:   responseCache,
		archive: archive,
		logger:  logger.WithComponent("vkp-installer"),
	}
}

// Install applies the package. The package must already be parsed, which
// implies its checksum verified. Installing a version not strictly newer
// than the installed one fails with VersionConflict.
func (in *Installer) Install(ctx context.Context, pkg *Package) error {
	subject := pkg.Metadata.Subject
	grade := pkg.Metadata.Grade
	version := pkg.Metadata.Version

	prior, err := in.meta.GetInstalledVersion(ctx, subject, grade)
	if err != nil {
		return err
	}
	if prior != nil {
		cmp, err := CompareVersions(version, prior.Version)
		if err != nil {
			return err
		}
		if cmp <= 0 {
			return errors.Newf(errors.KindVersionConflict,
				"version %s is not newer than installed %s for %s grade %d",
				version, prior.Version, subject, grade)
		}
	}

	collection := storage.CollectionName(subject, grade, version)
	if err := in.vector.EnsureCollection(ctx, collection, pkg.Dimensions()); err != nil {
		return err
	}
	if err := in.writeChunks(ctx, collection, pkg); err != nil {
		// The fresh collection is not yet visible to readers; discard it.
		if dropErr := in.vector.DropCollection(ctx, collection); dropErr != nil {
			in.logger.ErrorContext(ctx, "failed to discard partial collection",
				"collection", collection, "error", dropErr.Error())
		}
		return err
	}

	subjectRow, err := in.ensureSubject(ctx, subject, grade)
	if err != nil {
		return err
	}
	installedAt := time.Now().UTC()
	err = in.meta.WithTx(ctx, func(tx *sql.Tx) error {
		if err := in.meta.SetInstalledVersionTx(ctx, tx, &types.InstalledVersion{
			SubjectCode: subject,
			Grade:       grade,
			Version:     version,
			Checksum:    pkg.Metadata.Checksum,
			ChunkCount:  len(pkg.Chunks),
			InstalledAt: installedAt,
		}); err != nil {
			return err
		}
		for _, source := range pkg.Metadata.SourceFiles {
			title := bookTitle(source)
			if err := in.meta.UpsertBookInstallTx(ctx, tx, subjectRow.ID, title, source, version, len(pkg.Chunks)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if dropErr := in.vector.DropCollection(ctx, collection); dropErr != nil {
			in.logger.ErrorContext(ctx, "failed to discard collection after metadata failure",
				"collection", collection, "error", dropErr.Error())
		}
		return err
	}

	// From here on the install is committed; the remaining steps are
	// cleanup and must not fail it.
	if in.archive != nil {
		if err := in.archive.Save(pkg); err != nil {
			in.logger.WarnContext(ctx, "failed to archive package artifact",
				"subject", subject, "grade", grade, "version", version, "error", err.Error())
		}
		if err := in.archive.Prune(subject, grade, 2); err != nil {
			in.logger.WarnContext(ctx, "failed to prune package archive",
				"subject", subject, "grade", grade, "error", err.Error())
		}
	}
	if in.cache != nil {
		if err := in.cache.InvalidatePrefix(ctx, cache.ResponsePrefix(subject, grade)); err != nil {
			in.logger.WarnContext(ctx, "failed to invalidate response cache",
				"subject", subject, "grade", grade, "error", err.Error())
		}
	}
	if prior != nil {
		oldCollection := storage.CollectionName(subject, grade, prior.Version)
		if err := in.vector.DropCollection(ctx, oldCollection); err != nil {
			in.logger.WarnContext(ctx, "failed to drop superseded collection",
				"collection", oldCollection, "error", err.Error())
		}
	}

	in.logger.InfoContext(ctx, "package installed",
		"subject", subject, "grade", grade, "version", version, "chunks", len(pkg.Chunks))
	return nil
}

func (in *Installer) writeChunks(ctx context.Context, collection string, pkg *Package) error {
	grade := strconv.Itoa(pkg.Metadata.Grade)
	for start := 0; start < len(pkg.Chunks); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(pkg.Chunks) {
			end = len(pkg.Chunks)
		}
		batch := make([]storage.ChunkRecord, 0, end-start)
		for _, c := range pkg.Chunks[start:end] {
			batch = append(batch, storage.ChunkRecord{
				ID:     c.ChunkID,
				Text:   c.Text,
				Vector: c.Embedding,
				Metadata: map[string]string{
					"subject": pkg.Metadata.Subject,
					"grade":   grade,
					"topic":   c.Metadata.Topic,
					"section": c.Metadata.Section,
					"page":    strconv.Itoa(c.Metadata.Page),
				},
			})
		}
		if err := in.vector.UpsertChunks(ctx, collection, batch); err != nil {
			return err
		}
	}
	return nil
}

// ensureSubject resolves the subject row, creating it on first install.
func (in *Installer) ensureSubject(ctx context.Context, code string, grade int) (*types.Subject, error) {
	subject, err := in.meta.GetSubjectByCode(ctx, code, grade)
	if err == nil {
		return subject, nil
	}
	if !errors.Is(err, errors.KindValidation) {
		return nil, err
	}
	return in.meta.CreateSubject(ctx, &types.Subject{
		Grade: grade,
		Name:  strings.ToUpper(code),
		Code:  code,
	})
}

func bookTitle(sourceFile string) string {
	base := filepath.Base(sourceFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	return strings.TrimSpace(base)
}
