// Package tutor is the transport-agnostic ingress facade of the node. It
// authenticates bearer tokens against node-local sessions, routes chat
// through the admission-controlled core, and exposes the student surface
// (progress, practice, reports) plus the operator surface (curriculum
// upload, subject and book management, backups, rollback).
package tutor

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"edgetutor/internal/cache"
	"edgetutor/internal/chunking"
	"edgetutor/internal/concurrency"
	"edgetutor/internal/config"
	"edgetutor/internal/embeddings"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/internal/pedagogy"
	"edgetutor/internal/rag"
	"edgetutor/internal/resilience"
	"edgetutor/internal/storage"
	"edgetutor/internal/telemetry"
	"edgetutor/internal/vkp"
	"edgetutor/pkg/types"
)

const (
	sessionTTL    = 12 * time.Hour
	sweepInterval = 10 * time.Minute
	firstVersion  = "1.0.0"
)

// Deps collects the subsystems the facade fronts. Telemetry may be nil on
// nodes where the uplink is disabled.
type Deps struct {
	Config     *config.Config
	Meta       *storage.MetadataStore
	Core       *concurrency.Core
	Pipeline   *rag.Pipeline
	Pedagogy   *pedagogy.Engine
	Cache      cache.Cache
	Chunker    *chunking.Chunker
	Embedder   embeddings.Service
	Installer  *vkp.Installer
	Backups    *resilience.BackupManager
	Rollbacker *resilience.Rollbacker
	Telemetry  *telemetry.Collector
	Logger     logging.Logger
}

// Service implements the ingress operations. All methods take a bearer
// token; role checks happen here so the subsystems below stay policy-free.
type Service struct {
	cfg        *config.Config
	meta       *storage.MetadataStore
	core       *concurrency.Core
	pipeline   *rag.Pipeline
	ped        *pedagogy.Engine
	cache      cache.Cache
	chunker    *chunking.Chunker
	embedder   embeddings.Service
	installer  *vkp.Installer
	backups    *resilience.BackupManager
	rollbacker *resilience.Rollbacker
	telemetry  *telemetry.Collector
	logger     logging.Logger

	now func() time.Time
}

// NewService wires the facade.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Service{
		cfg:        deps.Config,
		meta:       deps.Meta,
		core:       deps.Core,
		pipeline:   deps.Pipeline,
		ped:        deps.Pedagogy,
		cache:      deps.Cache,
		chunker:    deps.Chunker,
		embedder:   deps.Embedder,
		installer:  deps.Installer,
		backups:    deps.Backups,
		rollbacker: deps.Rollbacker,
		telemetry:  deps.Telemetry,
		logger:     logger.WithComponent("tutor"),
		now:        time.Now,
	}
}

// Login verifies credentials and opens a session, returning its bearer
// token. Unknown users and wrong passwords are indistinguishable to the
// caller.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.meta.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.KindOf(err) == errors.KindAuth {
			return "", errors.New(errors.KindAuth, "invalid credentials")
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", errors.New(errors.KindAuth, "invalid credentials")
	}

	now := s.now().UTC()
	session := &types.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}
	if err := s.meta.CreateSession(ctx, session); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "user logged in", "user", user.Username, "role", string(user.Role))
	return session.Token, nil
}

// Logout closes the session. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.meta.DeleteSession(ctx, token)
}

func (s *Service) authenticate(ctx context.Context, token string) (*types.User, error) {
	session, err := s.meta.GetSession(ctx, token)
	if err != nil {
		if errors.KindOf(err) == errors.KindAuth {
			return nil, errors.New(errors.KindAuth, "invalid or expired session")
		}
		return nil, err
	}
	if session.Expired(s.now().UTC()) {
		return nil, errors.New(errors.KindAuth, "invalid or expired session")
	}
	return s.meta.GetUser(ctx, session.UserID)
}

func (s *Service) authenticateAdmin(ctx context.Context, token string) (*types.User, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if user.Role != types.RoleAdmin {
		return nil, errors.New(errors.KindAuth, "operation requires the admin role")
	}
	return user, nil
}

func (s *Service) subject(ctx context.Context, code string, grade int) (*types.Subject, error) {
	return s.meta.GetSubjectByCode(ctx, code, grade)
}

// ChatHandle is the streaming handle returned by Chat. It exposes the queue
// position, the ordered token stream, terminal status, and cancellation of
// the underlying request; Result is valid once Done is closed.
type ChatHandle struct {
	*concurrency.Handle

	result *rag.Result
}

// Result returns the terminal answer, nil if the request failed or has not
// finished.
func (h *ChatHandle) Result() *rag.Result {
	select {
	case <-h.Done():
		return h.result
	default:
		return nil
	}
}

// Chat admits one question into the core and returns its streaming handle.
// Admission failures surface immediately; everything after admission is
// reported through the handle.
func (s *Service) Chat(ctx context.Context, token, subjectCode string, grade int, question string) (*ChatHandle, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}

	ch := &ChatHandle{}
	handle, err := s.core.Submit(&concurrency.Request{
		Task: func(taskCtx context.Context, emit func(token string) error) error {
			result, err := s.pipeline.Answer(taskCtx, user.ID, subject, question, rag.EmitFunc(emit))
			if err != nil {
				return err
			}
			ch.result = result
			if s.telemetry != nil {
				s.telemetry.RecordQuestion(subject.Code, user.ID)
				s.telemetry.RecordCache(result.Cached)
			}
			return nil
		},
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindQueueFull && s.telemetry != nil {
			s.telemetry.RecordRejection()
		}
		return nil, err
	}
	ch.Handle = handle
	return ch, nil
}

// QueueStats reports the core's admission counters.
func (s *Service) QueueStats(ctx context.Context, token string) (concurrency.Stats, error) {
	if _, err := s.authenticate(ctx, token); err != nil {
		return concurrency.Stats{}, err
	}
	return s.core.Stats(), nil
}

// CacheStats reports response-cache counters. Admin only.
func (s *Service) CacheStats(ctx context.Context, token string) (cache.Stats, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return cache.Stats{}, err
	}
	return s.cache.Stats(ctx)
}

// CacheInvalidate drops all cached responses under a key prefix. Admin only.
func (s *Service) CacheInvalidate(ctx context.Context, token, prefix string) error {
	user, err := s.authenticateAdmin(ctx, token)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "cache invalidation requested", "user", user.Username, "prefix", prefix)
	return s.cache.InvalidatePrefix(ctx, prefix)
}

// Progress returns the caller's per-topic mastery for a subject.
func (s *Service) Progress(ctx context.Context, token, subjectCode string, grade int) ([]types.TopicMastery, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}
	return s.meta.ListMastery(ctx, user.ID, subject.ID)
}

// WeakAreas returns the caller's flagged topics for a subject.
func (s *Service) WeakAreas(ctx context.Context, token, subjectCode string, grade int) ([]types.WeakArea, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}
	return s.meta.ListWeakAreas(ctx, user.ID, subject.ID)
}

// Practice returns practice questions for a topic, difficulty matched to the
// caller's mastery.
func (s *Service) Practice(ctx context.Context, token, subjectCode string, grade int, topic string, count int) ([]types.PracticeQuestion, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}
	return s.ped.Practice(ctx, user.ID, subject, topic, count)
}

// WeeklyReport summarizes the caller's activity in a subject over a window.
func (s *Service) WeeklyReport(ctx context.Context, token, subjectCode string, grade int, start, end time.Time) (*types.WeeklyReport, error) {
	user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}
	return s.ped.WeeklyReport(ctx, user.ID, subject, start, end)
}

// UploadReceipt acknowledges an accepted curriculum upload.
type UploadReceipt struct {
	Subject    string `json:"subject"`
	Grade      int    `json:"grade"`
	Version    string `json:"version"`
	ChunkCount int    `json:"chunk_count"`
}

// UploadCurriculum builds a knowledge package from raw curriculum text and
// installs it: chunk, embed, assemble, verify, atomic switch. The new
// version is one patch above the installed one. Admin only.
func (s *Service) UploadCurriculum(ctx context.Context, token, subjectCode string, grade int, fileBytes []byte, filename string) (*UploadReceipt, error) {
	user, err := s.authenticateAdmin(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(fileBytes) == 0 {
		return nil, errors.New(errors.KindValidation, "curriculum file is empty")
	}

	chunks, err := s.chunker.Split(string(fileBytes))
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	version, err := s.nextVersion(ctx, subjectCode, grade)
	if err != nil {
		return nil, err
	}

	pkgChunks := make([]vkp.Chunk, len(chunks))
	for i, c := range chunks {
		pkgChunks[i] = vkp.Chunk{
			ChunkID:   c.ID,
			Text:      c.Text,
			Embedding: vectors[i],
			Metadata: vkp.ChunkMetadata{
				Section: c.Chapter,
				Topic:   c.Topic,
			},
		}
	}
	pkg, err := vkp.Build(vkp.Metadata{
		Version:          version,
		Subject:          subjectCode,
		Grade:            grade,
		Semester:         1,
		EmbeddingModelID: s.embeddingModelID(),
		ChunkConfig: vkp.ChunkConfig{
			Size:    s.cfg.Chunking.SizeTokens,
			Overlap: s.cfg.Chunking.OverlapTokens,
		},
		SourceFiles: []string{filename},
	}, pkgChunks)
	if err != nil {
		return nil, err
	}
	if err := s.installer.Install(ctx, pkg); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "curriculum uploaded",
		"user", user.Username, "subject", subjectCode, "grade", grade,
		"version", version, "chunks", len(pkgChunks), "source", filename)
	return &UploadReceipt{
		Subject:    subjectCode,
		Grade:      grade,
		Version:    version,
		ChunkCount: len(pkgChunks),
	}, nil
}

func (s *Service) nextVersion(ctx context.Context, subjectCode string, grade int) (string, error) {
	installed, err := s.meta.GetInstalledVersion(ctx, subjectCode, grade)
	if err != nil {
		return "", err
	}
	if installed == nil {
		return firstVersion, nil
	}
	v, err := semver.StrictNewVersion(installed.Version)
	if err != nil {
		return "", errors.Newf(errors.KindInternal, "installed version %q is not valid semver", installed.Version)
	}
	next := v.IncPatch()
	return next.String(), nil
}

func (s *Service) embeddingModelID() string {
	if s.cfg.Embedding.Strategy == "remote" && !s.cfg.Embedding.SovereignMode {
		return s.cfg.Embedding.OpenAIModel
	}
	return fmt.Sprintf("local-hash-%d", s.embedder.Dimensions())
}

// Subjects and books. Reads need a session; writes need the admin role.

func (s *Service) CreateSubject(ctx context.Context, token string, subject *types.Subject) (*types.Subject, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return nil, err
	}
	return s.meta.CreateSubject(ctx, subject)
}

func (s *Service) ListSubjects(ctx context.Context, token string, grade int) ([]types.Subject, error) {
	if _, err := s.authenticate(ctx, token); err != nil {
		return nil, err
	}
	return s.meta.ListSubjects(ctx, grade)
}

func (s *Service) UpdateSubject(ctx context.Context, token string, subject *types.Subject) error {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return err
	}
	return s.meta.UpdateSubject(ctx, subject)
}

func (s *Service) DeleteSubject(ctx context.Context, token string, id int64) error {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return err
	}
	return s.meta.DeleteSubject(ctx, id)
}

func (s *Service) CreateBook(ctx context.Context, token string, book *types.Book) (*types.Book, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return nil, err
	}
	return s.meta.CreateBook(ctx, book)
}

func (s *Service) ListBooks(ctx context.Context, token string, subjectID int64) ([]types.Book, error) {
	if _, err := s.authenticate(ctx, token); err != nil {
		return nil, err
	}
	return s.meta.ListBooks(ctx, subjectID)
}

func (s *Service) UpdateBook(ctx context.Context, token string, book *types.Book) error {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return err
	}
	return s.meta.UpdateBook(ctx, book)
}

func (s *Service) DeleteBook(ctx context.Context, token string, id int64) error {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return err
	}
	return s.meta.DeleteBook(ctx, id)
}

// ListUsers returns all accounts on the node. Admin only.
func (s *Service) ListUsers(ctx context.Context, token string) ([]types.User, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return nil, err
	}
	return s.meta.ListUsers(ctx)
}

// CreateUser registers an account with a bcrypt password digest. Admin only.
func (s *Service) CreateUser(ctx context.Context, token, username, password, displayName string, role types.Role) (*types.User, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, errors.New(errors.KindValidation, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to hash password", err)
	}
	return s.meta.CreateUser(ctx, &types.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		DisplayName:  displayName,
	})
}

// BackupNow runs a backup immediately. Admin only.
func (s *Service) BackupNow(ctx context.Context, token, kind string) (*resilience.BackupMeta, error) {
	user, err := s.authenticateAdmin(ctx, token)
	if err != nil {
		return nil, err
	}
	if kind != resilience.BackupFull && kind != resilience.BackupIncremental {
		return nil, errors.Newf(errors.KindValidation, "unknown backup kind %q", kind)
	}
	meta, err := s.backups.Create(ctx, kind)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "backup created on demand", "user", user.Username, "backup", meta.ID)
	return meta, nil
}

// ListBackups returns the on-disk backups, newest first. Admin only.
func (s *Service) ListBackups(ctx context.Context, token string) ([]resilience.BackupMeta, error) {
	if _, err := s.authenticateAdmin(ctx, token); err != nil {
		return nil, err
	}
	return s.backups.List(ctx)
}

// Rollback restores a named full backup with pre-snapshot and roll-forward
// protection. Admin only.
func (s *Service) Rollback(ctx context.Context, token, targetID string) error {
	user, err := s.authenticateAdmin(ctx, token)
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "rollback requested", "user", user.Username, "target", targetID)
	return s.rollbacker.Rollback(ctx, targetID)
}

// SweepSessions removes expired sessions once.
func (s *Service) SweepSessions(ctx context.Context) (int64, error) {
	return s.meta.DeleteExpiredSessions(ctx, s.now().UTC())
}

// RunSessionSweeper sweeps expired sessions periodically until the context
// is cancelled.
func (s *Service) RunSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepSessions(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "session sweep failed", "error", err.Error())
			} else if n > 0 {
				s.logger.DebugContext(ctx, "expired sessions swept", "count", n)
			}
		}
	}
}
