package resilience

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

func newBackupFixture(t *testing.T) (*BackupManager, *storage.MetadataStore, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = root
	cfg.Node.BackupDir = filepath.Join(root, "backups")
	cfg.Metadata.Path = filepath.Join(root, "tutor.db")
	cfg.Metadata.PoolSize = 2

	meta, err := storage.NewMetadataStore(&cfg.Metadata, nil)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	archiveDir := filepath.Join(root, "packages")
	require.NoError(t, os.MkdirAll(archiveDir, 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(archiveDir, "matematika_g10_v1.0.0.vkp"), []byte(`{"fake":"artifact"}`), 0o600))

	return NewBackupManager(cfg, meta, archiveDir, nil), meta, cfg
}

func seedChat(t *testing.T, meta *storage.MetadataStore, when time.Time) {
	t.Helper()
	ctx := context.Background()
	user, err := meta.CreateUser(ctx, &types.User{
		Username: "ani", PasswordHash: "x", Role: types.RoleStudent, DisplayName: "Ani",
	})
	require.NoError(t, err)
	subject, err := meta.CreateSubject(ctx, &types.Subject{Grade: 10, Name: "Matematika", Code: "MAT10"})
	require.NoError(t, err)
	_, err = meta.AppendChat(ctx, &types.ChatRecord{
		UserID: user.ID, SubjectID: subject.ID, Topic: "aljabar",
		Question: "q", Response: "r", Confidence: 0.8, CreatedAt: when,
	})
	require.NoError(t, err)
}

func TestFullBackupHasSidecarAndChecksum(t *testing.T) {
	bm, _, cfg := newBackupFixture(t)
	ctx := context.Background()

	meta, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)
	assert.Equal(t, BackupFull, meta.Type)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, meta.Checksum)
	assert.Positive(t, meta.SizeBytes)
	assert.Empty(t, meta.Base)

	archive := filepath.Join(cfg.Node.BackupDir, meta.ID+".tar.gz")
	assert.FileExists(t, archive)
	assert.FileExists(t, archive+".meta.json")

	sum, err := fileChecksum(archive)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, sum)
}

func TestIncrementalReferencesLatestFull(t *testing.T) {
	bm, meta, _ := newBackupFixture(t)
	ctx := context.Background()

	full, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)
	seedChat(t, meta, time.Now().UTC())

	inc, err := bm.Create(ctx, BackupIncremental)
	require.NoError(t, err)
	assert.Equal(t, BackupIncremental, inc.Type)
	assert.Equal(t, full.ID, inc.Base)
}

func TestIncrementalWithoutFullUpgrades(t *testing.T) {
	bm, _, _ := newBackupFixture(t)

	meta, err := bm.Create(context.Background(), BackupIncremental)
	require.NoError(t, err)
	assert.Equal(t, BackupFull, meta.Type)
}

func TestListNewestFirst(t *testing.T) {
	bm, _, _ := newBackupFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		i := i
		bm.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		_, err := bm.Create(ctx, BackupFull)
		require.NoError(t, err)
	}

	backups, err := bm.List(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	for i := 1; i < len(backups); i++ {
		assert.True(t, backups[i-1].CreatedAt.After(backups[i].CreatedAt))
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	bm, _, cfg := newBackupFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	bm.now = func() time.Time { return old }
	expired, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)

	bm.now = time.Now
	kept, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)

	require.NoError(t, bm.Prune(ctx))

	backups, err := bm.List(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, kept.ID, backups[0].ID)
	assert.NoFileExists(t, filepath.Join(cfg.Node.BackupDir, expired.ID+".tar.gz"))
}

func TestRestoreRoundTrip(t *testing.T) {
	bm, meta, cfg := newBackupFixture(t)
	ctx := context.Background()

	seedChat(t, meta, time.Now().UTC())
	full, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)

	// Wreck the live state, then restore.
	require.NoError(t, meta.Close())
	require.NoError(t, os.WriteFile(cfg.Metadata.Path, []byte("corrupted"), 0o600))

	require.NoError(t, bm.Restore(ctx, full))

	reopened, err := storage.NewMetadataStore(&cfg.Metadata, nil)
	require.NoError(t, err)
	defer reopened.Close()
	chats, err := reopened.ListChatsSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	bm, _, cfg := newBackupFixture(t)
	ctx := context.Background()

	full, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)

	path := filepath.Join(cfg.Node.BackupDir, full.ID+".tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

	err = bm.Restore(ctx, full)
	assert.Equal(t, errors.KindChecksumMismatch, errors.KindOf(err))
}

// flakyLife scripts lifecycle behavior for rollback tests.
type flakyLife struct {
	stops, starts int
	healthErrs    []error
	healthCalls   int
}

func (f *flakyLife) Stop(context.Context) error  { f.stops++; return nil }
func (f *flakyLife) Start(context.Context) error { f.starts++; return nil }
func (f *flakyLife) HealthCheck(context.Context) error {
	f.healthCalls++
	if f.healthCalls <= len(f.healthErrs) {
		return f.healthErrs[f.healthCalls-1]
	}
	return nil
}

func TestRollbackToEarlierBackup(t *testing.T) {
	bm, meta, _ := newBackupFixture(t)
	ctx := context.Background()

	target, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)
	seedChat(t, meta, time.Now().UTC())

	life := &flakyLife{}
	rb := NewRollbacker(bm, life, nil)
	require.NoError(t, rb.Rollback(ctx, target.ID))
	assert.Equal(t, 1, life.stops)
	assert.Equal(t, 1, life.starts)
}

func TestRollbackRollsForwardOnFailedHealth(t *testing.T) {
	bm, _, _ := newBackupFixture(t)
	ctx := context.Background()

	target, err := bm.Create(ctx, BackupFull)
	require.NoError(t, err)

	// First post-restore health check fails, the roll-forward one passes.
	life := &flakyLife{healthErrs: []error{assert.AnError}}
	rb := NewRollbacker(bm, life, nil)

	err = rb.Rollback(ctx, target.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled forward")
	assert.Equal(t, 2, life.stops, "restore ran twice: target then roll-forward")
}

func TestRollbackUnknownTarget(t *testing.T) {
	bm, _, _ := newBackupFixture(t)
	rb := NewRollbacker(bm, &flakyLife{}, nil)

	err := rb.Rollback(context.Background(), "full_19990101_000000")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

// probeStub scripts a HealthCheck result.
type probeStub struct{ err error }

func (p *probeStub) HealthCheck(context.Context) error { return p.err }

func TestProbeAllClassifies(t *testing.T) {
	checker := NewChecker(map[string]Prober{
		"inference": &probeStub{},
		"vector":    &probeStub{err: assert.AnError},
	}, t.TempDir(), nil)
	checker.diskUsage = func(string) (float64, error) { return 85, nil }
	checker.ramUsage = func() (float64, error) { return 95, nil }

	var criticals []string
	checker.OnCritical(func(_ context.Context, name, _ string) {
		criticals = append(criticals, name)
	})

	byName := map[string]Check{}
	for _, check := range checker.ProbeAll(context.Background()) {
		byName[check.Name] = check
	}

	assert.Equal(t, StatusOK, byName["inference"].Status)
	assert.Equal(t, StatusCritical, byName["vector"].Status)
	assert.Equal(t, StatusWarn, byName["disk"].Status)
	assert.Equal(t, StatusCritical, byName["ram"].Status)
	assert.ElementsMatch(t, []string{"vector", "ram"}, criticals)
}

func TestProbeRealUsageProbes(t *testing.T) {
	checker := NewChecker(nil, t.TempDir(), nil)
	checks := checker.ProbeAll(context.Background())
	byName := map[string]Check{}
	for _, check := range checks {
		byName[check.Name] = check
	}
	assert.Contains(t, byName, "disk")
	assert.Contains(t, byName, "ram")
	assert.NotEmpty(t, byName["disk"].Detail)
}

func TestSupervisorRestartBudgetAndEscalation(t *testing.T) {
	var escalations []string
	sup := NewSupervisor(func(name, _ string) {
		escalations = append(escalations, name)
	}, nil)

	attempts := 0
	sup.Register("inference", func(context.Context) error {
		attempts++
		return assert.AnError
	})

	// Bypass the cooldown by shifting the clock forward per call.
	base := time.Now()
	calls := 0
	sup.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * restartCooldown)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sup.HandleCritical(ctx, "inference", "probe failed")
	}

	assert.Equal(t, maxRestartAttempts, attempts)
	assert.Equal(t, []string{"inference"}, escalations, "escalation fires exactly once")
}

func TestSupervisorCooldownBlocksRapidRestarts(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	attempts := 0
	sup.Register("vector", func(context.Context) error {
		attempts++
		return assert.AnError
	})

	ctx := context.Background()
	sup.HandleCritical(ctx, "vector", "down")
	sup.HandleCritical(ctx, "vector", "down")
	assert.Equal(t, 1, attempts, "second restart must wait out the cooldown")
}

func TestSupervisorResetsAfterRecovery(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	fail := true
	sup.Register("metadata", func(context.Context) error {
		if fail {
			return assert.AnError
		}
		return nil
	})

	base := time.Now()
	calls := 0
	sup.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * restartCooldown)
	}

	ctx := context.Background()
	sup.HandleCritical(ctx, "metadata", "down")
	assert.Equal(t, 1, sup.Attempts("metadata"))

	fail = false
	sup.HandleCritical(ctx, "metadata", "down")
	assert.Zero(t, sup.Attempts("metadata"), "success clears the restart history")
}

func TestSupervisorIgnoresUnknownDependency(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	sup.HandleCritical(context.Background(), "unknown", "down")
	assert.Zero(t, sup.Attempts("unknown"))
}
