// Package rag orchestrates a tutoring answer: cache probe, question
// embedding, vector retrieval, prompt assembly, streamed generation, and the
// pedagogy and persistence work that follows the last token.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"edgetutor/internal/cache"
	"edgetutor/internal/config"
	"edgetutor/internal/embeddings"
	"edgetutor/internal/errors"
	"edgetutor/internal/inference"
	"edgetutor/internal/logging"
	"edgetutor/internal/pedagogy"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

const (
	// maxQuestionLen bounds a single submission.
	maxQuestionLen = 5000

	// contextBudgetTokens caps the retrieved context placed in the prompt.
	// The model context window also holds the template and the question, so
	// this stays well below the window size.
	contextBudgetTokens = 1800
)

// Result summarizes a completed answer after the token stream has ended.
type Result struct {
	Response   string
	Confidence float64
	Topic      string
	Cached     bool
	// Warning carries a post-stream pedagogy or persistence failure. The
	// answer already reached the user, so these never fail the request.
	Warning error
}

// EmitFunc receives each response token in generation order. A non-nil
// return aborts the stream.
type EmitFunc func(token string) error

// cachedAnswer is the cache value format. Confidence rides along so replays
// record the same confidence as the original generation.
type cachedAnswer struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
}

// Pipeline wires the answer path. The vector store is read-only from here;
// only the package installer writes it.
type Pipeline struct {
	embedder embeddings.Service
	vector   storage.VectorStore
	engine   inference.Engine
	pedagogy *pedagogy.Engine
	meta     *storage.MetadataStore
	cache    cache.Cache
	logger   logging.Logger

	topK      int
	minScore  float64
	maxTokens int
	cacheTTL  time.Duration
}

// NewPipeline builds the pipeline from its dependencies and tuning config.
func NewPipeline(
	cfg *config.Config,
	embedder embeddings.Service,
	vector storage.VectorStore,
	engine inference.Engine,
	ped *pedagogy.Engine,
	meta *storage.MetadataStore,
	responseCache cache.Cache,
	logger logging.Logger,
) *Pipeline {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	topK := cfg.Retrieval.TopK
	if topK <= 0 {
		topK = 5
	}
	minScore := cfg.Retrieval.SimilarityThreshold
	if minScore <= 0 {
		minScore = 0.7
	}
	maxTokens := cfg.Inference.MaxResponseTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pipeline{
		embedder:  embedder,
		vector:    vector,
		engine:    engine,
		pedagogy:  ped,
		meta:      meta,
		cache:     responseCache,
		logger:    logger.WithComponent("rag"),
		topK:      topK,
		minScore:  minScore,
		maxTokens: maxTokens,
		cacheTTL:  ttl,
	}
}

// Answer runs the full pipeline for one question, forwarding tokens through
// emit as they are produced. Tokens already emitted stand even when the
// stream later fails.
func (p *Pipeline) Answer(ctx context.Context, userID int64, subject *types.Subject, question string, emit EmitFunc) (*Result, error) {
	if err := validateQuestion(question); err != nil {
		return nil, err
	}

	installed, err := p.meta.GetInstalledVersion(ctx, subject.Code, subject.Grade)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "looking up installed curriculum", err)
	}
	if installed == nil {
		return nil, errors.Newf(errors.KindRetrieval,
			"no curriculum installed for %s grade %d", subject.Code, subject.Grade)
	}

	key := cache.ResponseKey(subject.Code, subject.Grade, installed.Version, question)
	if result, ok := p.serveCached(ctx, key, emit); ok {
		result.Warning = p.afterStream(ctx, userID, subject, question, result)
		return result, nil
	}

	vector, err := p.embedder.Generate(ctx, question)
	if err != nil {
		if errors.KindOf(err) != errors.KindEmbedding && errors.KindOf(err) != errors.KindUnavailable {
			err = errors.Wrap(errors.KindEmbedding, "embedding question", err)
		}
		return nil, err
	}

	chunks, err := p.vector.Search(ctx, &storage.SearchQuery{
		Collection: storage.CollectionName(subject.Code, subject.Grade, installed.Version),
		Vector:     vector,
		TopK:       p.topK,
		MinScore:   p.minScore,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindRetrieval, "searching curriculum", err)
	}

	prompt := buildPrompt(subject, question, chunks)
	response, err := p.generate(ctx, prompt, emit)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Response:   response,
		Confidence: confidence(chunks, p.topK),
	}
	result.Warning = p.afterStream(ctx, userID, subject, question, result)
	if result.Warning == nil {
		p.storeCached(ctx, key, result)
	}
	return result, nil
}

// serveCached replays a cache hit through emit. Cache failures are logged
// and treated as misses.
func (p *Pipeline) serveCached(ctx context.Context, key string, emit EmitFunc) (*Result, bool) {
	raw, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.WarnContext(ctx, "cache probe failed", "error", err.Error())
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var answer cachedAnswer
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		p.logger.WarnContext(ctx, "cache entry unreadable, dropping", "error", err.Error())
		if delErr := p.cache.Delete(ctx, key); delErr != nil {
			p.logger.WarnContext(ctx, "cache delete failed", "error", delErr.Error())
		}
		return nil, false
	}
	if err := emit(answer.Response); err != nil {
		return nil, false
	}
	return &Result{
		Response:   answer.Response,
		Confidence: answer.Confidence,
		Cached:     true,
	}, true
}

func (p *Pipeline) storeCached(ctx context.Context, key string, result *Result) {
	data, err := json.Marshal(cachedAnswer{
		Response:   result.Response,
		Confidence: result.Confidence,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "cache encode failed", "error", err.Error())
		return
	}
	if err := p.cache.Set(ctx, key, string(data), p.cacheTTL); err != nil {
		p.logger.WarnContext(ctx, "cache store failed", "error", err.Error())
	}
}

// generate streams tokens from the model through emit and returns the full
// response text.
func (p *Pipeline) generate(ctx context.Context, prompt string, emit EmitFunc) (string, error) {
	stream, err := p.engine.Generate(ctx, &inference.GenerateRequest{
		Prompt:    prompt,
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for tok := range stream {
		if tok.Err != nil {
			return "", errors.Wrap(errors.KindGeneration, "generation failed mid-stream", tok.Err)
		}
		sb.WriteString(tok.Text)
		if err := emit(tok.Text); err != nil {
			return "", errors.Wrap(errors.KindCancelled, "caller stopped consuming tokens", err)
		}
	}
	return sb.String(), nil
}

// afterStream runs pedagogy and chat persistence once the answer is fully
// delivered. A failure here is returned as a warning, never as a request
// error.
func (p *Pipeline) afterStream(ctx context.Context, userID int64, subject *types.Subject, question string, result *Result) error {
	complexity := pedagogy.EstimateComplexity(question)
	topic, err := p.pedagogy.RecordInteraction(ctx, userID, subject, question, complexity)
	result.Topic = topic
	if err != nil {
		p.logger.WarnContext(ctx, "pedagogy update failed after delivery",
			"topic", topic, "error", err.Error())
		return err
	}
	if _, err := p.meta.AppendChat(ctx, &types.ChatRecord{
		UserID:     userID,
		SubjectID:  subject.ID,
		Topic:      topic,
		Question:   question,
		Response:   result.Response,
		Confidence: result.Confidence,
	}); err != nil {
		p.logger.WarnContext(ctx, "chat persistence failed after delivery", "error", err.Error())
		return err
	}
	return nil
}

// maliciousMarkers is a coarse filter for inputs that are not questions.
var maliciousMarkers = []string{
	"<script",
	"javascript:",
	"\x00",
}

func validateQuestion(question string) error {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return errors.New(errors.KindValidation, "question must not be empty")
	}
	if len(question) > maxQuestionLen {
		return errors.Newf(errors.KindValidation,
			"question exceeds %d characters", maxQuestionLen)
	}
	lower := strings.ToLower(question)
	for _, marker := range maliciousMarkers {
		if strings.Contains(lower, marker) {
			return errors.New(errors.KindValidation, "question contains disallowed content")
		}
	}
	return nil
}

// buildPrompt fills the tutoring template with as much retrieved context as
// the budget allows, highest scoring chunks first.
func buildPrompt(subject *types.Subject, question string, chunks []types.RetrievedChunk) string {
	ordered := make([]types.RetrievedChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	var material strings.Builder
	budget := contextBudgetTokens
	for _, chunk := range ordered {
		cost := len(strings.Fields(chunk.Text))
		if cost > budget {
			continue
		}
		budget -= cost
		material.WriteString(chunk.Text)
		material.WriteString("\n\n")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Kamu adalah tutor %s untuk siswa kelas %d di Indonesia.\n", subject.Name, subject.Grade)
	sb.WriteString("Jawab pertanyaan siswa berdasarkan materi berikut. ")
	sb.WriteString("Jika materi tidak mencukupi, katakan dengan jujur.\n\n")
	if material.Len() > 0 {
		sb.WriteString("Materi:\n")
		sb.WriteString(material.String())
	} else {
		sb.WriteString("Materi: (tidak ada materi relevan yang ditemukan)\n\n")
	}
	fmt.Fprintf(&sb, "Pertanyaan: %s\nJawaban:", question)
	return sb.String()
}

// confidence combines the best similarity with how full the retrieval was.
// Zero qualifying chunks yields a low score rather than a failure.
func confidence(chunks []types.RetrievedChunk, k int) float64 {
	if len(chunks) == 0 || k <= 0 {
		return 0.1
	}
	var maxScore float64
	for _, c := range chunks {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	ratio := float64(len(chunks)) / float64(k)
	if ratio > 1 {
		ratio = 1
	}
	v := 0.7*maxScore + 0.3*ratio
	if v > 1 {
		return 1
	}
	return v
}
