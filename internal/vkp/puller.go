package vkp

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

// reconcileParallelism bounds concurrent per-entry downloads so one cycle
// cannot saturate a school uplink.
const reconcileParallelism = 3

// Puller reconciles the remote catalog against installed versions on a
// periodic trigger. An unreachable catalog means the node is offline: the
// cycle is skipped silently and retried at the next tick. A failing entry is
// logged and does not block the other entries.
type Puller struct {
	catalog   Catalog
	installer *Installer
	meta      *storage.MetadataStore
	archive   *Archive
	interval  time.Duration
	logger    logging.Logger
}

// NewPuller wires the puller's dependencies.
func NewPuller(cfg *config.PullerConfig, catalog Catalog, installer *Installer, meta *storage.MetadataStore, archive *Archive, logger logging.Logger) *Puller {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	interval := time.Duration(cfg.IntervalS) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	return &Puller{
		catalog:   catalog,
		installer: installer,
		meta:      meta,
		archive:   archive,
		interval:  interval,
		logger:    logger.WithComponent("vkp-puller"),
	}
}

// Run reconciles once immediately, then on every tick until the context is
// cancelled.
func (p *Puller) Run(ctx context.Context) {
	if err := p.ReconcileOnce(ctx); err != nil {
		p.logger.WarnContext(ctx, "reconcile finished with errors", "error", err.Error())
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ReconcileOnce(ctx); err != nil {
				p.logger.WarnContext(ctx, "reconcile finished with errors", "error", err.Error())
			}
		}
	}
}

// ReconcileOnce runs a single reconcile cycle. The returned error aggregates
// per-entry failures; a skipped offline cycle returns nil.
func (p *Puller) ReconcileOnce(ctx context.Context) error {
	if err := p.catalog.Ping(ctx); err != nil {
		p.logger.InfoContext(ctx, "catalog unreachable, skipping cycle", "cause", err.Error())
		return nil
	}
	entries, err := p.catalog.List(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var merr *multierror.Error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for i := range entries {
		entry := entries[i]
		g.Go(func() error {
			if err := p.reconcileEntry(gctx, &entry); err != nil {
				p.logger.ErrorContext(gctx, "entry reconcile failed",
					"subject", entry.Subject, "grade", entry.Grade,
					"version", entry.Version, "error", err.Error())
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			// Entry failures are collected, not returned, so one bad
			// entry cannot cancel the others through the group.
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

func (p *Puller) reconcileEntry(ctx context.Context, entry *CatalogEntry) error {
	installed, err := p.meta.GetInstalledVersion(ctx, entry.Subject, entry.Grade)
	if err != nil {
		return err
	}
	if installed != nil {
		cmp, err := CompareVersions(entry.Version, installed.Version)
		if err != nil {
			return err
		}
		if cmp <= 0 {
			return nil
		}
	}

	pkg := p.tryDelta(ctx, entry, installed)
	if pkg == nil {
		data, err := p.catalog.FetchPackage(ctx, entry)
		if err != nil {
			return err
		}
		pkg, err = Parse(data)
		if err != nil {
			return err
		}
	}

	// Final gate: the materialized package must match what the catalog
	// announced, regardless of how it was obtained.
	if pkg.Metadata.Checksum != entry.Checksum {
		return errors.Newf(errors.KindChecksumMismatch,
			"package checksum %s does not match catalog announcement %s",
			pkg.Metadata.Checksum, entry.Checksum)
	}
	return p.installer.Install(ctx, pkg)
}

// tryDelta attempts the cheaper delta path. Any failure falls back to the
// full download by returning nil.
func (p *Puller) tryDelta(ctx context.Context, entry *CatalogEntry, installed *types.InstalledVersion) *Package {
	if installed == nil || p.archive == nil {
		return nil
	}
	data, ok, err := p.catalog.FetchDelta(ctx, entry.Subject, entry.Grade, installed.Version, entry.Version)
	if err != nil || !ok {
		if err != nil {
			p.logger.WarnContext(ctx, "delta fetch failed, falling back to full download",
				"subject", entry.Subject, "grade", entry.Grade, "error", err.Error())
		}
		return nil
	}
	delta, err := ParseDelta(data)
	if err != nil {
		p.logger.WarnContext(ctx, "delta rejected, falling back to full download",
			"subject", entry.Subject, "grade", entry.Grade, "error", err.Error())
		return nil
	}
	base, err := p.archive.Load(entry.Subject, entry.Grade, installed.Version)
	if err != nil || base == nil {
		if err != nil {
			p.logger.WarnContext(ctx, "base artifact unreadable, falling back to full download",
				"subject", entry.Subject, "grade", entry.Grade, "error", err.Error())
		}
		return nil
	}
	pkg, err := ApplyDelta(base, delta)
	if err != nil {
		p.logger.WarnContext(ctx, "delta application failed, falling back to full download",
			"subject", entry.Subject, "grade", entry.Grade, "error", err.Error())
		return nil
	}
	return pkg
}
