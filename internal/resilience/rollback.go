package resilience

import (
	"context"
	"sync"

	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

// Lifecycle stops and starts the services that hold node state open, and
// verifies health after a restart.
type Lifecycle interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Rollbacker restores the node to an earlier full backup. A mutex serializes
// rollbacks; invoking it from more than one actor at a time is not
// supported.
type Rollbacker struct {
	mu      sync.Mutex
	backups *BackupManager
	life    Lifecycle
	logger  logging.Logger
}

// NewRollbacker wires rollback over the backup manager and the service
// lifecycle.
func NewRollbacker(backups *BackupManager, life Lifecycle, logger logging.Logger) *Rollbacker {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Rollbacker{
		backups: backups,
		life:    life,
		logger:  logger.WithComponent("rollback"),
	}
}

// Snapshot captures the current state as a full backup and returns its
// identifier.
func (r *Rollbacker) Snapshot(ctx context.Context) (*BackupMeta, error) {
	return r.backups.Create(ctx, BackupFull)
}

// Rollback restores the full backup identified by targetID. Before touching
// anything it snapshots the current state; if the restored node fails its
// health check, it rolls forward to that snapshot.
func (r *Rollbacker) Rollback(ctx context.Context, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, err := r.findFull(ctx, targetID)
	if err != nil {
		return err
	}

	pre, err := r.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "pre-rollback snapshot failed", err)
	}
	r.logger.InfoContext(ctx, "rolling back",
		"target", target.ID, "pre_snapshot", pre.ID)

	rbErr := r.restoreAndRestart(ctx, target)
	if rbErr == nil {
		r.logger.InfoContext(ctx, "rollback complete", "target", target.ID)
		return nil
	}
	r.logger.ErrorContext(ctx, "rollback failed, rolling forward",
		"target", target.ID, "error", rbErr.Error())

	if err := r.restoreAndRestart(ctx, pre); err != nil {
		return errors.Wrapf(errors.KindInternal, err,
			"roll-forward to %s failed, node needs manual recovery", pre.ID)
	}
	return errors.Newf(errors.KindInternal,
		"rollback to %s failed health checks, state rolled forward to %s", target.ID, pre.ID)
}

func (r *Rollbacker) restoreAndRestart(ctx context.Context, meta *BackupMeta) error {
	if err := r.life.Stop(ctx); err != nil {
		return errors.Wrap(errors.KindInternal, "failed to stop services", err)
	}
	if err := r.backups.Restore(ctx, meta); err != nil {
		return err
	}
	if err := r.life.Start(ctx); err != nil {
		return errors.Wrap(errors.KindInternal, "failed to restart services", err)
	}
	return r.life.HealthCheck(ctx)
}

func (r *Rollbacker) findFull(ctx context.Context, targetID string) (*BackupMeta, error) {
	backups, err := r.backups.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].ID == targetID && backups[i].Type == BackupFull {
			return &backups[i], nil
		}
	}
	return nil, errors.Newf(errors.KindValidation, "no full backup named %q", targetID)
}
