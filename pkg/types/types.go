// Package types defines the shared domain entities of the edge tutor node:
// identities, sessions, curriculum catalog rows, chat history, and the
// pedagogy records derived from student activity.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies what a user is allowed to do on the node.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// Difficulty buckets practice questions by mastery level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether the difficulty is one of the known buckets.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	default:
		return false
	}
}

// DifficultyForMastery maps a mastery level to the difficulty bucket used
// when generating practice questions: below 0.3 easy, below 0.6 medium,
// otherwise hard.
func DifficultyForMastery(mastery float64) Difficulty {
	switch {
	case mastery < 0.3:
		return DifficultyEasy
	case mastery < 0.6:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}

// User is a node-local account. Passwords are stored only as salted one-way
// digests; the plaintext never reaches this struct.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the structural invariants of a user row.
func (u *User) Validate() error {
	if u.Username == "" {
		return errors.New("username is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("invalid role: %q", u.Role)
	}
	return nil
}

// Session binds a bearer token to a user with an absolute expiry. Expired
// sessions are swept periodically by the ingress service.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Subject is a (grade, name, code) triple. Grade is one of 10, 11, 12.
type Subject struct {
	ID    int64  `json:"id"`
	Grade int    `json:"grade"`
	Name  string `json:"name"`
	Code  string `json:"code"`
}

// Validate checks the structural invariants of a subject row.
func (s *Subject) Validate() error {
	if s.Grade < 10 || s.Grade > 12 {
		return fmt.Errorf("grade must be 10, 11 or 12, got %d", s.Grade)
	}
	if s.Name == "" {
		return errors.New("subject name is required")
	}
	if s.Code == "" {
		return errors.New("subject code is required")
	}
	return nil
}

// Book belongs to a subject and tracks the currently installed package
// version for its content.
type Book struct {
	ID               int64  `json:"id"`
	SubjectID        int64  `json:"subject_id"`
	Title            string `json:"title"`
	SourceFile       string `json:"source_file"`
	InstalledVersion string `json:"installed_version"`
	ChunkCount       int    `json:"chunk_count"`
}

// ChatRecord is an append-only conversation row. Chat content never leaves
// the node.
type ChatRecord struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	SubjectID  int64     `json:"subject_id"`
	Topic      string    `json:"topic"`
	Question   string    `json:"question"`
	Response   string    `json:"response"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// TopicMastery is unique per (user, subject, topic) and carries the scalar
// mastery level in [0,1] together with the counters the update rule needs.
type TopicMastery struct {
	UserID          int64     `json:"user_id"`
	SubjectID       int64     `json:"subject_id"`
	Topic           string    `json:"topic"`
	MasteryLevel    float64   `json:"mastery_level"`
	QuestionCount   int       `json:"question_count"`
	CorrectCount    int       `json:"correct_count"`
	AvgComplexity   float64   `json:"avg_complexity"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Validate enforces the mastery invariants: level in [0,1] and
// 0 <= correct_count <= question_count.
func (tm *TopicMastery) Validate() error {
	if tm.Topic == "" {
		return errors.New("topic is required")
	}
	if tm.MasteryLevel < 0 || tm.MasteryLevel > 1 {
		return fmt.Errorf("mastery level out of range: %f", tm.MasteryLevel)
	}
	if tm.CorrectCount < 0 || tm.CorrectCount > tm.QuestionCount {
		return fmt.Errorf("correct count %d outside [0,%d]", tm.CorrectCount, tm.QuestionCount)
	}
	return nil
}

// WeakArea is a derived row flagging a (user, subject, topic) for
// reinforcement. Rows are regenerated, not incrementally maintained.
type WeakArea struct {
	UserID              int64     `json:"user_id"`
	SubjectID           int64     `json:"subject_id"`
	Topic               string    `json:"topic"`
	WeaknessScore       float64   `json:"weakness_score"`
	RecommendedPractice string    `json:"recommended_practice"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PracticeQuestion is a durable, reusable practice item.
type PracticeQuestion struct {
	ID         int64      `json:"id"`
	SubjectID  int64      `json:"subject_id"`
	Topic      string     `json:"topic"`
	Difficulty Difficulty `json:"difficulty"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks the structural invariants of a practice question.
func (pq *PracticeQuestion) Validate() error {
	if pq.Topic == "" {
		return errors.New("topic is required")
	}
	if !pq.Difficulty.Valid() {
		return fmt.Errorf("invalid difficulty: %q", pq.Difficulty)
	}
	if pq.Question == "" {
		return errors.New("question text is required")
	}
	return nil
}

// InstalledVersion records, per (subject code, grade), the currently
// installed knowledge package.
type InstalledVersion struct {
	SubjectCode string    `json:"subject_code"`
	Grade       int       `json:"grade"`
	Version     string    `json:"version"`
	Checksum    string    `json:"checksum"`
	ChunkCount  int       `json:"chunk_count"`
	InstalledAt time.Time `json:"installed_at"`
}

// RetrievedChunk is a curriculum chunk returned by a vector search, with its
// similarity score.
type RetrievedChunk struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float64           `json:"score"`
}

// WeeklyReport summarizes one user's activity in a subject over a window.
type WeeklyReport struct {
	UserID         int64              `json:"user_id"`
	SubjectID      int64              `json:"subject_id"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	TotalQuestions int                `json:"total_questions"`
	TopicsTouched  map[string]float64 `json:"topics_touched"`
	WeakAreas      []WeakArea         `json:"weak_areas"`
	Recommended    []string           `json:"recommended"`
	Trend          Trend              `json:"trend"`
}

// Trend classifies mastery movement over a report window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)
