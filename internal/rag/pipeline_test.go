package rag

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/cache"
	"edgetutor/internal/config"
	"edgetutor/internal/embeddings"
	"edgetutor/internal/errors"
	"edgetutor/internal/inference"
	"edgetutor/internal/pedagogy"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

// searchStub answers every query with a scripted result set.
type searchStub struct {
	results   []types.RetrievedChunk
	searchErr error
	queries   []*storage.SearchQuery
}

func (s *searchStub) EnsureCollection(context.Context, string, int) error   { return nil }
func (s *searchStub) DropCollection(context.Context, string) error         { return nil }
func (s *searchStub) CollectionExists(context.Context, string) (bool, error) {
	return true, nil
}
func (s *searchStub) UpsertChunks(context.Context, string, []storage.ChunkRecord) error {
	return nil
}
func (s *searchStub) DeleteChunks(context.Context, string, []string) error { return nil }
func (s *searchStub) Count(context.Context, string) (uint64, error)        { return 0, nil }
func (s *searchStub) HealthCheck(context.Context) error                    { return nil }
func (s *searchStub) Close() error                                         { return nil }

func (s *searchStub) Search(_ context.Context, query *storage.SearchQuery) ([]types.RetrievedChunk, error) {
	s.queries = append(s.queries, query)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.results, nil
}

type fixture struct {
	pipeline *Pipeline
	meta     *storage.MetadataStore
	cache    cache.Cache
	vector   *searchStub
	engine   *inference.MockEngine
	user     *types.User
	subject  *types.Subject
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	meta, err := storage.NewMetadataStore(&config.MetadataConfig{
		Path:     filepath.Join(t.TempDir(), "rag.db"),
		PoolSize: 2,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	user, err := meta.CreateUser(ctx, &types.User{
		Username: "budi", PasswordHash: "x", Role: types.RoleStudent, DisplayName: "Budi",
	})
	require.NoError(t, err)
	subject, err := meta.CreateSubject(ctx, &types.Subject{
		Grade: 10, Name: "Matematika", Code: "MAT10",
	})
	require.NoError(t, err)
	require.NoError(t, meta.WithTx(ctx, func(tx *sql.Tx) error {
		return meta.SetInstalledVersionTx(ctx, tx, &types.InstalledVersion{
			SubjectCode: "MAT10", Grade: 10, Version: "1.0.0",
			Checksum: "sha256:abc", ChunkCount: 10, InstalledAt: time.Now().UTC(),
		})
	}))

	vector := &searchStub{results: []types.RetrievedChunk{
		{Text: "Teorema Pythagoras menyatakan a^2 + b^2 = c^2.", Score: 0.92,
			Metadata: map[string]string{"topic": "geometri"}},
		{Text: "Sisi miring adalah sisi terpanjang segitiga siku-siku.", Score: 0.85,
			Metadata: map[string]string{"topic": "geometri"}},
	}}
	engine := inference.NewMockEngine("Sisi ", "miring ", "adalah ", "c.")
	lru := cache.NewLRU(100)
	t.Cleanup(func() { lru.Close() })

	cfg := config.DefaultConfig()
	ped := pedagogy.NewEngine(meta, engine, nil)
	pipeline := NewPipeline(cfg, embeddings.NewLocalService(384), vector, engine, ped, meta, lru, nil)

	return &fixture{
		pipeline: pipeline,
		meta:     meta,
		cache:    lru,
		vector:   vector,
		engine:   engine,
		user:     user,
		subject:  subject,
	}
}

func collectTokens() (EmitFunc, *[]string) {
	var tokens []string
	return func(token string) error {
		tokens = append(tokens, token)
		return nil
	}, &tokens
}

func TestAnswerStreamsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emit, tokens := collectTokens()

	result, err := f.pipeline.Answer(ctx, f.user.ID, f.subject, "Apa itu teorema Pythagoras?", emit)
	require.NoError(t, err)
	require.NoError(t, result.Warning)

	assert.Equal(t, []string{"Sisi ", "miring ", "adalah ", "c."}, *tokens)
	assert.Equal(t, "Sisi miring adalah c.", result.Response)
	assert.False(t, result.Cached)
	assert.Equal(t, "geometri", result.Topic)

	// Chat row persisted with the classified topic and confidence.
	chats, err := f.meta.ListRecentChats(ctx, f.user.ID, f.subject.ID, 10)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "geometri", chats[0].Topic)
	assert.Equal(t, result.Response, chats[0].Response)
	assert.InDelta(t, result.Confidence, chats[0].Confidence, 1e-9)

	// Mastery row created by the pedagogy update.
	tm, err := f.meta.GetMastery(ctx, f.user.ID, f.subject.ID, "geometri")
	require.NoError(t, err)
	require.NotNil(t, tm)
	assert.Equal(t, 1, tm.QuestionCount)
}

func TestAnswerSecondAskServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	emit, _ := collectTokens()
	first, err := f.pipeline.Answer(ctx, f.user.ID, f.subject, "Apa itu teorema Pythagoras?", emit)
	require.NoError(t, err)

	// Whitespace and case changes hit the same entry.
	emit2, tokens2 := collectTokens()
	second, err := f.pipeline.Answer(ctx, f.user.ID, f.subject, "  apa ITU  teorema pythagoras? ", emit2)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.InDelta(t, first.Confidence, second.Confidence, 1e-9)
	assert.Equal(t, []string{first.Response}, *tokens2)
	assert.Equal(t, 1, f.engine.Calls(), "cache hit must not invoke the model")

	// Cached replay still records the chat and updates pedagogy.
	chats, err := f.meta.ListRecentChats(ctx, f.user.ID, f.subject.ID, 10)
	require.NoError(t, err)
	assert.Len(t, chats, 2)
	tm, err := f.meta.GetMastery(ctx, f.user.ID, f.subject.ID, "geometri")
	require.NoError(t, err)
	assert.Equal(t, 2, tm.QuestionCount)
}

func TestAnswerValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emit, _ := collectTokens()

	cases := []string{
		"",
		"   ",
		strings.Repeat("a", maxQuestionLen+1),
		"tolong jalankan <script>alert(1)</script>",
	}
	for _, q := range cases {
		_, err := f.pipeline.Answer(ctx, f.user.ID, f.subject, q, emit)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err), "question %.30q", q)
	}
	assert.Zero(t, f.engine.Calls())
}

func TestAnswerWithoutInstalledCurriculum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.meta.CreateSubject(ctx, &types.Subject{
		Grade: 11, Name: "Fisika", Code: "FIS11",
	})
	require.NoError(t, err)

	emit, _ := collectTokens()
	_, err = f.pipeline.Answer(ctx, f.user.ID, other, "Apa itu gaya?", emit)
	assert.Equal(t, errors.KindRetrieval, errors.KindOf(err))
}

func TestAnswerQueriesVersionedCollection(t *testing.T) {
	f := newFixture(t)
	emit, _ := collectTokens()

	_, err := f.pipeline.Answer(context.Background(), f.user.ID, f.subject, "Apa itu aljabar?", emit)
	require.NoError(t, err)

	require.Len(t, f.vector.queries, 1)
	q := f.vector.queries[0]
	assert.Equal(t, "chunks_mat10_g10_v1_0_0", q.Collection)
	assert.Equal(t, 5, q.TopK)
	assert.InDelta(t, 0.7, q.MinScore, 1e-9)
	assert.Len(t, q.Vector, 384)
}

func TestAnswerNoRetrievedChunksIsLowConfidence(t *testing.T) {
	f := newFixture(t)
	f.vector.results = nil
	emit, _ := collectTokens()

	result, err := f.pipeline.Answer(context.Background(), f.user.ID, f.subject, "Apa itu entropi?", emit)
	require.NoError(t, err)
	assert.Less(t, result.Confidence, 0.3)
	assert.NotEmpty(t, result.Response, "the pipeline still answers without context")
}

func TestAnswerRetrievalFailure(t *testing.T) {
	f := newFixture(t)
	f.vector.searchErr = assert.AnError
	emit, _ := collectTokens()

	_, err := f.pipeline.Answer(context.Background(), f.user.ID, f.subject, "Apa itu aljabar?", emit)
	assert.Equal(t, errors.KindRetrieval, errors.KindOf(err))
	assert.Zero(t, f.engine.Calls())
}

func TestAnswerMidStreamFailureRetainsPartialTokens(t *testing.T) {
	f := newFixture(t)
	f.engine.FailWith(assert.AnError)
	emit, tokens := collectTokens()

	_, err := f.pipeline.Answer(context.Background(), f.user.ID, f.subject, "Apa itu aljabar?", emit)
	assert.Equal(t, errors.KindGeneration, errors.KindOf(err))
	assert.Len(t, *tokens, 4, "tokens emitted before the failure stand")

	// A failed generation is not cached.
	chats, listErr := f.meta.ListRecentChats(context.Background(), f.user.ID, f.subject.ID, 10)
	require.NoError(t, listErr)
	assert.Empty(t, chats)
}

func TestAnswerPromptContainsRetrievedContext(t *testing.T) {
	f := newFixture(t)
	f.engine.Script("Teorema Pythagoras", "ok")
	emit, tokens := collectTokens()

	_, err := f.pipeline.Answer(context.Background(), f.user.ID, f.subject, "Apa itu teorema Pythagoras?", emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, *tokens,
		"the scripted match proves the chunk text reached the prompt")
}

func TestBuildPromptPrefersHigherScores(t *testing.T) {
	subject := &types.Subject{Grade: 10, Name: "Matematika", Code: "MAT10"}
	big := strings.Repeat("kata ", contextBudgetTokens-10)
	chunks := []types.RetrievedChunk{
		{Text: "potongan skor rendah", Score: 0.71},
		{Text: big, Score: 0.95},
	}
	prompt := buildPrompt(subject, "tanya", chunks)
	assert.Contains(t, prompt, big)
	assert.NotContains(t, prompt, "potongan skor rendah",
		"the high scorer consumes the budget first")
}

func TestConfidence(t *testing.T) {
	full := confidence([]types.RetrievedChunk{
		{Score: 0.9}, {Score: 0.8}, {Score: 0.75}, {Score: 0.72}, {Score: 0.7},
	}, 5)
	assert.InDelta(t, 0.7*0.9+0.3*1.0, full, 1e-9)

	partial := confidence([]types.RetrievedChunk{{Score: 0.8}}, 5)
	assert.InDelta(t, 0.7*0.8+0.3*0.2, partial, 1e-9)

	assert.InDelta(t, 0.1, confidence(nil, 5), 1e-9)
	assert.Less(t, partial, full)
}

func TestAnswerCacheFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	// Preload an unreadable cache entry under the exact response key.
	ctx := context.Background()
	key := cache.ResponseKey("MAT10", 10, "1.0.0", "Apa itu aljabar?")
	require.NoError(t, f.cache.Set(ctx, key, "not json", time.Minute))

	emit, _ := collectTokens()
	result, err := f.pipeline.Answer(ctx, f.user.ID, f.subject, "Apa itu aljabar?", emit)
	require.NoError(t, err)
	assert.False(t, result.Cached, "an unreadable entry is treated as a miss")
}
