package pedagogy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"edgetutor/internal/errors"
	"edgetutor/internal/inference"
	"edgetutor/internal/logging"
	"edgetutor/internal/storage"
	"edgetutor/pkg/types"
)

// Mastery factor weights. Higher average complexity raises mastery; frequent
// low-complexity asking lowers it; long gaps raise the retention factor.
const (
	weightFrequency  = 0.3
	weightComplexity = 0.5
	weightRetention  = 0.2
)

// Engine derives pedagogy state from chat activity.
type Engine struct {
	meta   *storage.MetadataStore
	infer  inference.Engine
	logger logging.Logger
	now    func() time.Time
}

// NewEngine wires the pedagogy engine.
func NewEngine(meta *storage.MetadataStore, infer inference.Engine, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Engine{
		meta:   meta,
		infer:  infer,
		logger: logger.WithComponent("pedagogy"),
		now:    time.Now,
	}
}

// RecordInteraction classifies the question, updates the topic's mastery
// row, and refreshes the user's weak areas. It returns the classified topic
// so the caller can store it on the chat record.
func (e *Engine) RecordInteraction(ctx context.Context, userID int64, subject *types.Subject, question string, complexity float64) (string, error) {
	topic := ClassifyTopic(subject.Code, question)
	if err := e.updateMastery(ctx, userID, subject.ID, topic, complexity); err != nil {
		return topic, err
	}
	if err := e.RefreshWeakAreas(ctx, userID, subject.ID); err != nil {
		return topic, err
	}
	return topic, nil
}

// updateMastery applies the factor model to one (user, subject, topic).
func (e *Engine) updateMastery(ctx context.Context, userID, subjectID int64, topic string, complexity float64) error {
	now := e.now().UTC()
	current, err := e.meta.GetMastery(ctx, userID, subjectID, topic)
	if err != nil {
		return err
	}

	var q int
	var avgComplexity, daysSince float64
	if current != nil {
		q = current.QuestionCount
		avgComplexity = current.AvgComplexity
		daysSince = now.Sub(current.LastInteraction).Hours() / 24
		if daysSince < 0 {
			daysSince = 0
		}
	}

	q++
	avgComplexity = avgComplexity + (clamp01(complexity)-avgComplexity)/float64(q)

	frequency := 1 / (1 + 0.1*float64(q))
	complexityFactor := math.Min(avgComplexity, 1)
	retention := math.Min(daysSince/30, 1)
	mastery := clamp01(weightFrequency*frequency + weightComplexity*complexityFactor + weightRetention*retention)

	updated := &types.TopicMastery{
		UserID:          userID,
		SubjectID:       subjectID,
		Topic:           topic,
		MasteryLevel:    mastery,
		QuestionCount:   q,
		AvgComplexity:   avgComplexity,
		LastInteraction: now,
	}
	if current != nil {
		updated.CorrectCount = current.CorrectCount
	}
	return e.meta.UpsertMastery(ctx, updated)
}

// RefreshWeakAreas regenerates the weak-area rows for (user, subject) from
// the current mastery table. A topic is weak when mastery < 0.4, or it is
// asked often in quick succession (q > 5 within 3 days), or it is asked
// repeatedly at low complexity (c < 0.5 with q > 3).
func (e *Engine) RefreshWeakAreas(ctx context.Context, userID, subjectID int64) error {
	records, err := e.meta.ListMastery(ctx, userID, subjectID)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	var areas []types.WeakArea
	for i := range records {
		tm := &records[i]
		daysSince := now.Sub(tm.LastInteraction).Hours() / 24
		weak := tm.MasteryLevel < 0.4 ||
			(tm.QuestionCount > 5 && daysSince < 3) ||
			(tm.AvgComplexity < 0.5 && tm.QuestionCount > 3)
		if !weak {
			continue
		}
		difficulty := types.DifficultyForMastery(tm.MasteryLevel)
		areas = append(areas, types.WeakArea{
			UserID:        userID,
			SubjectID:     subjectID,
			Topic:         tm.Topic,
			WeaknessScore: clamp01(1 - tm.MasteryLevel),
			RecommendedPractice: fmt.Sprintf("latihan %s tingkat %s, %d soal per hari",
				tm.Topic, difficulty, recommendedDailyCount(tm.MasteryLevel)),
			UpdatedAt: now,
		})
	}
	return e.meta.ReplaceWeakAreas(ctx, userID, subjectID, areas)
}

// Practice returns count practice questions for (user, subject, topic) at
// the difficulty matching the user's mastery, generating new items through
// the model when the stored pool is short. Generated items join the pool.
func (e *Engine) Practice(ctx context.Context, userID int64, subject *types.Subject, topic string, count int) ([]types.PracticeQuestion, error) {
	if count <= 0 {
		count = 5
	}
	mastery, err := e.meta.GetMastery(ctx, userID, subject.ID, topic)
	if err != nil {
		return nil, err
	}
	level := 0.0
	if mastery != nil {
		level = mastery.MasteryLevel
	}
	difficulty := types.DifficultyForMastery(level)

	questions, err := e.meta.ListPracticeQuestions(ctx, subject.ID, topic, difficulty, count)
	if err != nil {
		return nil, err
	}
	for len(questions) < count {
		generated, err := e.generateQuestion(ctx, subject, topic, difficulty)
		if err != nil {
			// A short pool is still useful; return what exists.
			e.logger.WarnContext(ctx, "practice generation failed",
				"topic", topic, "difficulty", string(difficulty), "error", err.Error())
			break
		}
		stored, err := e.meta.AddPracticeQuestion(ctx, generated)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *stored)
	}
	if len(questions) == 0 {
		return nil, errors.Newf(errors.KindGeneration,
			"no practice questions available for topic %s", topic)
	}
	return questions, nil
}

func (e *Engine) generateQuestion(ctx context.Context, subject *types.Subject, topic string, difficulty types.Difficulty) (*types.PracticeQuestion, error) {
	prompt := fmt.Sprintf(
		"Buat satu soal latihan %s tingkat %s untuk pelajaran %s kelas %d.\n"+
			"Format:\nSoal: <pertanyaan>\nJawaban: <jawaban singkat>\n",
		topic, difficulty, subject.Name, subject.Grade)
	stream, err := e.infer.Generate(ctx, &inference.GenerateRequest{
		Prompt:    prompt,
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for tok := range stream {
		if tok.Err != nil {
			return nil, tok.Err
		}
		sb.WriteString(tok.Text)
	}
	question, answer := splitGenerated(sb.String())
	if question == "" {
		return nil, errors.New(errors.KindGeneration, "model produced an empty practice question")
	}
	return &types.PracticeQuestion{
		SubjectID:  subject.ID,
		Topic:      topic,
		Difficulty: difficulty,
		Question:   question,
		Answer:     answer,
	}, nil
}

// splitGenerated separates the question and answer from the scripted output
// format; unformatted output becomes the question with no answer.
func splitGenerated(text string) (question, answer string) {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	if idx := strings.Index(lower, "jawaban:"); idx >= 0 {
		question = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text[:idx]), "Soal:"))
		answer = strings.TrimSpace(text[idx+len("jawaban:"):])
		return question, answer
	}
	return strings.TrimSpace(strings.TrimPrefix(text, "Soal:")), ""
}

// WeeklyReport summarizes a user's activity in a subject over [start, end).
func (e *Engine) WeeklyReport(ctx context.Context, userID int64, subject *types.Subject, start, end time.Time) (*types.WeeklyReport, error) {
	if !end.After(start) {
		return nil, errors.New(errors.KindValidation, "report window end must be after start")
	}
	chats, err := e.meta.ListChatsBetween(ctx, userID, subject.ID, start, end)
	if err != nil {
		return nil, err
	}
	masteryRecords, err := e.meta.ListMastery(ctx, userID, subject.ID)
	if err != nil {
		return nil, err
	}
	weakAreas, err := e.meta.ListWeakAreas(ctx, userID, subject.ID)
	if err != nil {
		return nil, err
	}

	masteryByTopic := make(map[string]float64, len(masteryRecords))
	for _, tm := range masteryRecords {
		masteryByTopic[tm.Topic] = tm.MasteryLevel
	}
	touched := make(map[string]float64)
	for _, chat := range chats {
		if chat.Topic != "" {
			touched[chat.Topic] = masteryByTopic[chat.Topic]
		}
	}
	recommended := make([]string, 0, len(weakAreas))
	for _, wa := range weakAreas {
		recommended = append(recommended, wa.RecommendedPractice)
	}

	return &types.WeeklyReport{
		UserID:         userID,
		SubjectID:      subject.ID,
		Start:          start,
		End:            end,
		TotalQuestions: len(chats),
		TopicsTouched:  touched,
		WeakAreas:      weakAreas,
		Recommended:    recommended,
		Trend:          classifyTrend(chats),
	}, nil
}

// classifyTrend compares the average answer confidence of the window's
// first and second halves. Mastery history is not retained per interaction,
// so recorded confidence stands in for the mastery delta.
func classifyTrend(chats []types.ChatRecord) types.Trend {
	if len(chats) < 4 {
		return types.TrendStable
	}
	mid := len(chats) / 2
	first := averageConfidence(chats[:mid])
	second := averageConfidence(chats[mid:])
	switch {
	case second-first > 0.05:
		return types.TrendImproving
	case first-second > 0.05:
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

func averageConfidence(chats []types.ChatRecord) float64 {
	if len(chats) == 0 {
		return 0
	}
	var sum float64
	for _, c := range chats {
		sum += c.Confidence
	}
	return sum / float64(len(chats))
}

// EstimateComplexity scores a question's complexity in [0,1] from its
// length and structure. Deterministic so mastery updates are reproducible.
func EstimateComplexity(question string) float64 {
	words := len(strings.Fields(question))
	score := float64(words) / 40

	// Multi-step phrasing and symbolic content push complexity up.
	lower := strings.ToLower(question)
	for _, marker := range []string{"buktikan", "turunkan", "jelaskan mengapa", "bandingkan", "hitunglah", "analisis"} {
		if strings.Contains(lower, marker) {
			score += 0.2
			break
		}
	}
	if strings.ContainsAny(question, "=^∫√") {
		score += 0.15
	}
	return clamp01(score)
}

func recommendedDailyCount(mastery float64) int {
	switch {
	case mastery < 0.2:
		return 10
	case mastery < 0.4:
		return 7
	default:
		return 5
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
