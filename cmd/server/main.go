// server boots the edge tutor node: it wires the metadata and vector
// stores, the inference and embedding services, the RAG pipeline behind the
// admission-controlled core, the package puller, and the resilience loops,
// then exposes everything through the tutor ingress service until a signal
// arrives. Transports attach to the tutor service; this binary carries no
// web layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"edgetutor/internal/cache"
	"edgetutor/internal/chunking"
	"edgetutor/internal/concurrency"
	"edgetutor/internal/config"
	"edgetutor/internal/embeddings"
	"edgetutor/internal/inference"
	"edgetutor/internal/logging"
	"edgetutor/internal/pedagogy"
	"edgetutor/internal/rag"
	"edgetutor/internal/resilience"
	"edgetutor/internal/storage"
	"edgetutor/internal/telemetry"
	"edgetutor/internal/tutor"
	"edgetutor/internal/vkp"
	"edgetutor/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "edgetutor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logger := logging.New(logging.ParseLogLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := storage.NewMetadataStore(&cfg.Metadata, logger)
	if err != nil {
		return err
	}
	defer meta.Close()

	vector, err := storage.NewQdrantStore(&cfg.Qdrant, logger)
	if err != nil {
		return err
	}
	defer vector.Close()

	responseCache, err := newResponseCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	engine := inference.NewLlamaEngine(&cfg.Inference, logger)
	defer engine.Close()
	embedder := embeddings.NewStrategyManager(&cfg.Embedding, logger)

	ped := pedagogy.NewEngine(meta, engine, logger)
	pipeline := rag.NewPipeline(cfg, embedder, vector, engine, ped, meta, responseCache, logger)

	core := concurrency.NewCore(&cfg.Concurrency, logger)
	defer core.Close()

	archiveDir := filepath.Join(cfg.Node.DataDir, "packages")
	archive, err := vkp.NewArchive(archiveDir)
	if err != nil {
		return err
	}
	installer := vkp.NewInstaller(vector, meta, responseCache, archive, logger)
	if cfg.Puller.CatalogURL != "" {
		puller := vkp.NewPuller(&cfg.Puller, vkp.NewHTTPCatalog(cfg.Puller.CatalogURL), installer, meta, archive, logger)
		go puller.Run(ctx)
	} else {
		logger.Info("no catalog url configured, package pulling disabled")
	}

	backups := resilience.NewBackupManager(cfg, meta, archiveDir, logger)
	go backups.Run(ctx)

	life := &nodeLifecycle{cfg: cfg, meta: meta}
	rollbacker := resilience.NewRollbacker(backups, life, logger)

	supervisor := resilience.NewSupervisor(func(name, detail string) {
		logger.Error("dependency needs operator attention", "dependency", name, "detail", detail)
	}, logger)
	supervisor.Register("metadata", func(context.Context) error { return meta.Reopen(&cfg.Metadata) })
	supervisor.Register("vector", func(context.Context) error { return vector.Reconnect(&cfg.Qdrant) })
	supervisor.Register("inference", engine.HealthCheck)

	checker := resilience.NewChecker(map[string]resilience.Prober{
		"metadata":  meta,
		"vector":    vector,
		"inference": engine,
		"embedding": embedder,
	}, cfg.Node.DataDir, logger)
	checker.OnCritical(supervisor.HandleCritical)
	go checker.Run(ctx, time.Minute)

	var collector *telemetry.Collector
	if cfg.Telemetry.UploadURL != "" {
		salt := cfg.Telemetry.Salt
		if salt == "" {
			salt = cfg.Telemetry.NodeID
		}
		collector = telemetry.NewCollector(
			telemetry.NewHTTPUploader(cfg.Telemetry.UploadURL), cfg.Telemetry.NodeID, salt, logger)
		go collector.Run(ctx, time.Duration(cfg.Telemetry.IntervalS)*time.Second)
	}

	svc := tutor.NewService(tutor.Deps{
		Config:     cfg,
		Meta:       meta,
		Core:       core,
		Pipeline:   pipeline,
		Pedagogy:   ped,
		Cache:      responseCache,
		Chunker:    chunking.NewChunker(&cfg.Chunking),
		Embedder:   embedder,
		Installer:  installer,
		Backups:    backups,
		Rollbacker: rollbacker,
		Telemetry:  collector,
		Logger:     logger,
	})
	go svc.RunSessionSweeper(ctx, 0)

	if err := ensureAdminAccount(ctx, meta, logger); err != nil {
		return err
	}

	logger.Info("edge tutor node started",
		"data_dir", cfg.Node.DataDir,
		"workers", cfg.Concurrency.MaxConcurrent,
		"embedding_strategy", cfg.Embedding.Strategy)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newResponseCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.RedisAddr != "" {
		return cache.NewRedis(ctx, cfg.Cache.RedisAddr)
	}
	return cache.NewLRU(cfg.Cache.LRUCap), nil
}

// ensureAdminAccount bootstraps a first admin on an empty node. The
// generated password is printed once and must be rotated on first login.
func ensureAdminAccount(ctx context.Context, meta *storage.MetadataStore, logger logging.Logger) error {
	users, err := meta.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	password := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if _, err := meta.CreateUser(ctx, &types.User{
		Username:     "admin",
		PasswordHash: string(hash),
		Role:         types.RoleAdmin,
		DisplayName:  "Administrator",
	}); err != nil {
		return err
	}
	logger.Warn("created initial admin account", "username", "admin")
	fmt.Fprintf(os.Stderr, "initial admin password: %s\n", password)
	return nil
}

// nodeLifecycle lets the rollbacker quiesce the metadata store around a
// restore. The connection pool is closed before files are swapped and
// reopened afterwards.
type nodeLifecycle struct {
	cfg  *config.Config
	meta *storage.MetadataStore
}

func (l *nodeLifecycle) Stop(ctx context.Context) error {
	if err := l.meta.Checkpoint(ctx); err != nil {
		return err
	}
	return l.meta.Close()
}

func (l *nodeLifecycle) Start(context.Context) error {
	return l.meta.Reopen(&l.cfg.Metadata)
}

func (l *nodeLifecycle) HealthCheck(ctx context.Context) error {
	return l.meta.HealthCheck(ctx)
}
