package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
	"edgetutor/pkg/types"
)

// MetadataStore is the relational side of the node: accounts, sessions,
// curriculum catalog rows, chat history, mastery records, and the installed
// package registry. SQLite in WAL mode, one file under the data directory.
type MetadataStore struct {
	db     *sql.DB
	logger logging.Logger
}

const metadataSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS subjects (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	grade INTEGER NOT NULL,
	name  TEXT NOT NULL,
	code  TEXT NOT NULL,
	UNIQUE(code, grade)
);

CREATE TABLE IF NOT EXISTS books (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id        INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	title             TEXT NOT NULL,
	source_file       TEXT NOT NULL DEFAULT '',
	installed_version TEXT NOT NULL DEFAULT '',
	chunk_count       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_books_subject ON books(subject_id);

CREATE TABLE IF NOT EXISTS chats (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	subject_id INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	topic      TEXT NOT NULL DEFAULT '',
	question   TEXT NOT NULL,
	response   TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user_subject ON chats(user_id, subject_id, created_at);

CREATE TABLE IF NOT EXISTS topic_mastery (
	user_id          INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	subject_id       INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	topic            TEXT NOT NULL,
	mastery_level    REAL NOT NULL,
	question_count   INTEGER NOT NULL DEFAULT 0,
	correct_count    INTEGER NOT NULL DEFAULT 0,
	avg_complexity   REAL NOT NULL DEFAULT 0,
	last_interaction TIMESTAMP NOT NULL,
	PRIMARY KEY(user_id, subject_id, topic)
);

CREATE TABLE IF NOT EXISTS weak_areas (
	user_id              INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	subject_id           INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	topic                TEXT NOT NULL,
	weakness_score       REAL NOT NULL,
	recommended_practice TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMP NOT NULL,
	PRIMARY KEY(user_id, subject_id, topic)
);

CREATE TABLE IF NOT EXISTS practice_questions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
	topic      TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_practice_lookup ON practice_questions(subject_id, topic, difficulty);

CREATE TABLE IF NOT EXISTS installed_versions (
	subject_code TEXT NOT NULL,
	grade        INTEGER NOT NULL,
	version      TEXT NOT NULL,
	checksum     TEXT NOT NULL,
	chunk_count  INTEGER NOT NULL DEFAULT 0,
	installed_at TIMESTAMP NOT NULL,
	PRIMARY KEY(subject_code, grade)
);
`

// NewMetadataStore opens (or creates) the SQLite database and applies the
// schema.
func NewMetadataStore(cfg *config.MetadataConfig, logger logging.Logger) (*MetadataStore, error) {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	db, err := openMetadataDB(cfg)
	if err != nil {
		return nil, err
	}
	return &MetadataStore{db: db, logger: logger.WithComponent("metadata")}, nil
}

func openMetadataDB(cfg *config.MetadataConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to open metadata database", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxIdleTime(time.Duration(cfg.PoolTimeoutS) * time.Second)

	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindStorage, "failed to apply metadata schema", err)
	}
	return db, nil
}

// Reopen replaces the connection pool, for use after the database file has
// been swapped on disk by a restore. Callers must ensure no queries are in
// flight.
func (m *MetadataStore) Reopen(cfg *config.MetadataConfig) error {
	_ = m.db.Close()
	db, err := openMetadataDB(cfg)
	if err != nil {
		return err
	}
	m.db = db
	return nil
}

// HealthCheck pings the database.
func (m *MetadataStore) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(errors.KindUnavailable, "metadata database unreachable", err)
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file so a file-level
// copy of the database is complete.
func (m *MetadataStore) Checkpoint(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to checkpoint database", err)
	}
	return nil
}

// Close closes the database.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (m *MetadataStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("rollback failed", "error", rbErr.Error())
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to commit transaction", err)
	}
	return nil
}

// Users

// CreateUser inserts a user and returns it with its assigned ID.
func (m *MetadataStore) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if err := user.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "invalid user", err)
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, display_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, string(user.Role), user.DisplayName, user.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(errors.KindStorage, err, "failed to create user %s", user.Username)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read new user id", err)
	}
	user.ID = id
	return user, nil
}

// GetUserByUsername looks a user up by login name.
func (m *MetadataStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, display_name, created_at FROM users WHERE username = ?`,
		username)
	return scanUser(row)
}

// GetUser looks a user up by ID.
func (m *MetadataStore) GetUser(ctx context.Context, id int64) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, display_name, created_at FROM users WHERE id = ?`,
		id)
	return scanUser(row)
}

// ListUsers returns all users ordered by username.
func (m *MetadataStore) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, username, password_hash, role, display_name, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list users", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan user", err)
		}
		u.Role = types.Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row *sql.Row) (*types.User, error) {
	var u types.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindAuth, "user not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to scan user", err)
	}
	u.Role = types.Role(role)
	return &u, nil
}

// Sessions

// CreateSession persists a bearer session.
func (m *MetadataStore) CreateSession(ctx context.Context, session *types.Session) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.Token, session.UserID, session.CreatedAt, session.ExpiresAt)
	return errors.Wrap(errors.KindStorage, "failed to create session", err)
}

// GetSession returns the session for a token, or an auth error.
func (m *MetadataStore) GetSession(ctx context.Context, token string) (*types.Session, error) {
	var s types.Session
	err := m.db.QueryRowContext(ctx,
		`SELECT token, user_id, created_at, expires_at FROM sessions WHERE token = ?`,
		token).Scan(&s.Token, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindAuth, "session not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to load session", err)
	}
	return &s, nil
}

// DeleteSession removes a session. Missing tokens are not an error.
func (m *MetadataStore) DeleteSession(ctx context.Context, token string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return errors.Wrap(errors.KindStorage, "failed to delete session", err)
}

// DeleteExpiredSessions sweeps sessions past their expiry, returning the
// number removed.
func (m *MetadataStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.Wrap(errors.KindStorage, "failed to sweep sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Subjects

// CreateSubject inserts a subject and returns it with its assigned ID.
func (m *MetadataStore) CreateSubject(ctx context.Context, subject *types.Subject) (*types.Subject, error) {
	if err := subject.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "invalid subject", err)
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO subjects (grade, name, code) VALUES (?, ?, ?)`,
		subject.Grade, subject.Name, subject.Code)
	if err != nil {
		return nil, errors.Wrapf(errors.KindStorage, err, "failed to create subject %s", subject.Code)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read new subject id", err)
	}
	subject.ID = id
	return subject, nil
}

// GetSubject looks a subject up by ID.
func (m *MetadataStore) GetSubject(ctx context.Context, id int64) (*types.Subject, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, grade, name, code FROM subjects WHERE id = ?`, id)
	return scanSubject(row)
}

// GetSubjectByCode looks a subject up by (code, grade).
func (m *MetadataStore) GetSubjectByCode(ctx context.Context, code string, grade int) (*types.Subject, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, grade, name, code FROM subjects WHERE code = ? AND grade = ?`, code, grade)
	return scanSubject(row)
}

func scanSubject(row *sql.Row) (*types.Subject, error) {
	var s types.Subject
	err := row.Scan(&s.ID, &s.Grade, &s.Name, &s.Code)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindValidation, "subject not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to scan subject", err)
	}
	return &s, nil
}

// ListSubjects returns subjects for one grade, or all grades when grade is 0.
func (m *MetadataStore) ListSubjects(ctx context.Context, grade int) ([]types.Subject, error) {
	query := `SELECT id, grade, name, code FROM subjects ORDER BY grade, code`
	args := []interface{}{}
	if grade != 0 {
		query = `SELECT id, grade, name, code FROM subjects WHERE grade = ? ORDER BY code`
		args = append(args, grade)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list subjects", err)
	}
	defer rows.Close()

	var subjects []types.Subject
	for rows.Next() {
		var s types.Subject
		if err := rows.Scan(&s.ID, &s.Grade, &s.Name, &s.Code); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan subject", err)
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// UpdateSubject rewrites a subject row in place.
func (m *MetadataStore) UpdateSubject(ctx context.Context, subject *types.Subject) error {
	if err := subject.Validate(); err != nil {
		return errors.Wrap(errors.KindValidation, "invalid subject", err)
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE subjects SET grade = ?, name = ?, code = ? WHERE id = ?`,
		subject.Grade, subject.Name, subject.Code, subject.ID)
	if err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to update subject %d", subject.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindValidation, "subject %d not found", subject.ID)
	}
	return nil
}

// DeleteSubject removes a subject and, via cascade, its dependent rows.
func (m *MetadataStore) DeleteSubject(ctx context.Context, id int64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM subjects WHERE id = ?`, id)
	return errors.Wrap(errors.KindStorage, "failed to delete subject", err)
}

// Books

// CreateBook inserts a book row.
func (m *MetadataStore) CreateBook(ctx context.Context, book *types.Book) (*types.Book, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO books (subject_id, title, source_file, installed_version, chunk_count) VALUES (?, ?, ?, ?, ?)`,
		book.SubjectID, book.Title, book.SourceFile, book.InstalledVersion, book.ChunkCount)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to create book", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read new book id", err)
	}
	book.ID = id
	return book, nil
}

// ListBooks returns the books of one subject.
func (m *MetadataStore) ListBooks(ctx context.Context, subjectID int64) ([]types.Book, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, subject_id, title, source_file, installed_version, chunk_count FROM books WHERE subject_id = ? ORDER BY title`,
		subjectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list books", err)
	}
	defer rows.Close()

	var books []types.Book
	for rows.Next() {
		var b types.Book
		if err := rows.Scan(&b.ID, &b.SubjectID, &b.Title, &b.SourceFile, &b.InstalledVersion, &b.ChunkCount); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan book", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// UpdateBook rewrites a book row in place.
func (m *MetadataStore) UpdateBook(ctx context.Context, book *types.Book) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE books SET subject_id = ?, title = ?, source_file = ?, installed_version = ?, chunk_count = ? WHERE id = ?`,
		book.SubjectID, book.Title, book.SourceFile, book.InstalledVersion, book.ChunkCount, book.ID)
	if err != nil {
		return errors.Wrapf(errors.KindStorage, err, "failed to update book %d", book.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindValidation, "book %d not found", book.ID)
	}
	return nil
}

// DeleteBook removes a book row.
func (m *MetadataStore) DeleteBook(ctx context.Context, id int64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	return errors.Wrap(errors.KindStorage, "failed to delete book", err)
}

// Chats

// AppendChat stores one conversation turn.
func (m *MetadataStore) AppendChat(ctx context.Context, chat *types.ChatRecord) (*types.ChatRecord, error) {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, subject_id, topic, question, response, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.UserID, chat.SubjectID, chat.Topic, chat.Question, chat.Response, chat.Confidence, chat.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to append chat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read new chat id", err)
	}
	chat.ID = id
	return chat, nil
}

// ListChatsBetween returns a user's chats in a subject within [start, end),
// oldest first.
func (m *MetadataStore) ListChatsBetween(ctx context.Context, userID, subjectID int64, start, end time.Time) ([]types.ChatRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, subject_id, topic, question, response, confidence, created_at
		 FROM chats WHERE user_id = ? AND subject_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at`,
		userID, subjectID, start, end)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list chats", err)
	}
	defer rows.Close()
	return scanChats(rows)
}

// ListRecentChats returns a user's most recent chats in a subject, newest
// first, capped at limit.
func (m *MetadataStore) ListRecentChats(ctx context.Context, userID, subjectID int64, limit int) ([]types.ChatRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, subject_id, topic, question, response, confidence, created_at
		 FROM chats WHERE user_id = ? AND subject_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, subjectID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list recent chats", err)
	}
	defer rows.Close()
	return scanChats(rows)
}

// ListChatsSince returns every chat on the node appended at or after since,
// oldest first. Incremental backups use this to capture the append-only tail.
func (m *MetadataStore) ListChatsSince(ctx context.Context, since time.Time) ([]types.ChatRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, subject_id, topic, question, response, confidence, created_at
		 FROM chats WHERE created_at >= ? ORDER BY created_at`,
		since)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list chats since", err)
	}
	defer rows.Close()
	return scanChats(rows)
}

func scanChats(rows *sql.Rows) ([]types.ChatRecord, error) {
	var chats []types.ChatRecord
	for rows.Next() {
		var c types.ChatRecord
		if err := rows.Scan(&c.ID, &c.UserID, &c.SubjectID, &c.Topic, &c.Question, &c.Response, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan chat", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// Mastery

// GetMastery returns the mastery row for (user, subject, topic), or nil when
// the topic has never been touched.
func (m *MetadataStore) GetMastery(ctx context.Context, userID, subjectID int64, topic string) (*types.TopicMastery, error) {
	var tm types.TopicMastery
	err := m.db.QueryRowContext(ctx,
		`SELECT user_id, subject_id, topic, mastery_level, question_count, correct_count, avg_complexity, last_interaction
		 FROM topic_mastery WHERE user_id = ? AND subject_id = ? AND topic = ?`,
		userID, subjectID, topic).
		Scan(&tm.UserID, &tm.SubjectID, &tm.Topic, &tm.MasteryLevel, &tm.QuestionCount, &tm.CorrectCount, &tm.AvgComplexity, &tm.LastInteraction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to load mastery", err)
	}
	return &tm, nil
}

// UpsertMastery writes a mastery row, replacing any existing row for the
// same (user, subject, topic).
func (m *MetadataStore) UpsertMastery(ctx context.Context, tm *types.TopicMastery) error {
	if err := tm.Validate(); err != nil {
		return errors.Wrap(errors.KindValidation, "invalid mastery record", err)
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO topic_mastery (user_id, subject_id, topic, mastery_level, question_count, correct_count, avg_complexity, last_interaction)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, subject_id, topic) DO UPDATE SET
			mastery_level = excluded.mastery_level,
			question_count = excluded.question_count,
			correct_count = excluded.correct_count,
			avg_complexity = excluded.avg_complexity,
			last_interaction = excluded.last_interaction`,
		tm.UserID, tm.SubjectID, tm.Topic, tm.MasteryLevel, tm.QuestionCount, tm.CorrectCount, tm.AvgComplexity, tm.LastInteraction)
	return errors.Wrap(errors.KindStorage, "failed to upsert mastery", err)
}

// ListMastery returns all mastery rows for (user, subject), lowest mastery
// first.
func (m *MetadataStore) ListMastery(ctx context.Context, userID, subjectID int64) ([]types.TopicMastery, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id, subject_id, topic, mastery_level, question_count, correct_count, avg_complexity, last_interaction
		 FROM topic_mastery WHERE user_id = ? AND subject_id = ? ORDER BY mastery_level`,
		userID, subjectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list mastery", err)
	}
	defer rows.Close()

	var records []types.TopicMastery
	for rows.Next() {
		var tm types.TopicMastery
		if err := rows.Scan(&tm.UserID, &tm.SubjectID, &tm.Topic, &tm.MasteryLevel, &tm.QuestionCount, &tm.CorrectCount, &tm.AvgComplexity, &tm.LastInteraction); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan mastery", err)
		}
		records = append(records, tm)
	}
	return records, rows.Err()
}

// Weak areas

// ReplaceWeakAreas swaps the full weak-area set for (user, subject) in one
// transaction. The rows are derived, so regeneration replaces rather than
// merges.
func (m *MetadataStore) ReplaceWeakAreas(ctx context.Context, userID, subjectID int64, areas []types.WeakArea) error {
	return m.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM weak_areas WHERE user_id = ? AND subject_id = ?`, userID, subjectID); err != nil {
			return errors.Wrap(errors.KindStorage, "failed to clear weak areas", err)
		}
		for i := range areas {
			a := &areas[i]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO weak_areas (user_id, subject_id, topic, weakness_score, recommended_practice, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				userID, subjectID, a.Topic, a.WeaknessScore, a.RecommendedPractice, a.UpdatedAt); err != nil {
				return errors.Wrapf(errors.KindStorage, err, "failed to insert weak area %s", a.Topic)
			}
		}
		return nil
	})
}

// ListWeakAreas returns weak areas for (user, subject), worst first.
func (m *MetadataStore) ListWeakAreas(ctx context.Context, userID, subjectID int64) ([]types.WeakArea, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id, subject_id, topic, weakness_score, recommended_practice, updated_at
		 FROM weak_areas WHERE user_id = ? AND subject_id = ? ORDER BY weakness_score DESC`,
		userID, subjectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list weak areas", err)
	}
	defer rows.Close()

	var areas []types.WeakArea
	for rows.Next() {
		var a types.WeakArea
		if err := rows.Scan(&a.UserID, &a.SubjectID, &a.Topic, &a.WeaknessScore, &a.RecommendedPractice, &a.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan weak area", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// Practice questions

// AddPracticeQuestion stores a reusable practice item.
func (m *MetadataStore) AddPracticeQuestion(ctx context.Context, pq *types.PracticeQuestion) (*types.PracticeQuestion, error) {
	if err := pq.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "invalid practice question", err)
	}
	if pq.CreatedAt.IsZero() {
		pq.CreatedAt = time.Now().UTC()
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO practice_questions (subject_id, topic, difficulty, question, answer, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pq.SubjectID, pq.Topic, string(pq.Difficulty), pq.Question, pq.Answer, pq.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to add practice question", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read new practice question id", err)
	}
	pq.ID = id
	return pq, nil
}

// ListPracticeQuestions returns up to limit stored items for (subject, topic,
// difficulty), newest first.
func (m *MetadataStore) ListPracticeQuestions(ctx context.Context, subjectID int64, topic string, difficulty types.Difficulty, limit int) ([]types.PracticeQuestion, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, subject_id, topic, difficulty, question, answer, created_at
		 FROM practice_questions WHERE subject_id = ? AND topic = ? AND difficulty = ?
		 ORDER BY created_at DESC LIMIT ?`,
		subjectID, topic, string(difficulty), limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list practice questions", err)
	}
	defer rows.Close()

	var questions []types.PracticeQuestion
	for rows.Next() {
		var pq types.PracticeQuestion
		var diff string
		if err := rows.Scan(&pq.ID, &pq.SubjectID, &pq.Topic, &diff, &pq.Question, &pq.Answer, &pq.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan practice question", err)
		}
		pq.Difficulty = types.Difficulty(diff)
		questions = append(questions, pq)
	}
	return questions, rows.Err()
}

// Installed versions

// GetInstalledVersion returns the registry row for (subject code, grade), or
// nil when no package is installed.
func (m *MetadataStore) GetInstalledVersion(ctx context.Context, subjectCode string, grade int) (*types.InstalledVersion, error) {
	var iv types.InstalledVersion
	err := m.db.QueryRowContext(ctx,
		`SELECT subject_code, grade, version, checksum, chunk_count, installed_at
		 FROM installed_versions WHERE subject_code = ? AND grade = ?`,
		subjectCode, grade).
		Scan(&iv.SubjectCode, &iv.Grade, &iv.Version, &iv.Checksum, &iv.ChunkCount, &iv.InstalledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to load installed version", err)
	}
	return &iv, nil
}

// ListInstalledVersions returns the whole registry.
func (m *MetadataStore) ListInstalledVersions(ctx context.Context) ([]types.InstalledVersion, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT subject_code, grade, version, checksum, chunk_count, installed_at
		 FROM installed_versions ORDER BY subject_code, grade`)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to list installed versions", err)
	}
	defer rows.Close()

	var versions []types.InstalledVersion
	for rows.Next() {
		var iv types.InstalledVersion
		if err := rows.Scan(&iv.SubjectCode, &iv.Grade, &iv.Version, &iv.Checksum, &iv.ChunkCount, &iv.InstalledAt); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "failed to scan installed version", err)
		}
		versions = append(versions, iv)
	}
	return versions, rows.Err()
}

// SetInstalledVersionTx writes the registry row inside an ongoing install
// transaction.
func (m *MetadataStore) SetInstalledVersionTx(ctx context.Context, tx *sql.Tx, iv *types.InstalledVersion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO installed_versions (subject_code, grade, version, checksum, chunk_count, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_code, grade) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			chunk_count = excluded.chunk_count,
			installed_at = excluded.installed_at`,
		iv.SubjectCode, iv.Grade, iv.Version, iv.Checksum, iv.ChunkCount, iv.InstalledAt)
	return errors.Wrap(errors.KindStorage, "failed to set installed version", err)
}

// UpsertBookInstallTx updates (or creates) the book row for a source file
// inside an ongoing install transaction.
func (m *MetadataStore) UpsertBookInstallTx(ctx context.Context, tx *sql.Tx, subjectID int64, title, sourceFile, version string, chunkCount int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE books SET installed_version = ?, chunk_count = ?, title = ? WHERE subject_id = ? AND source_file = ?`,
		version, chunkCount, title, subjectID, sourceFile)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to update book install state", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO books (subject_id, title, source_file, installed_version, chunk_count) VALUES (?, ?, ?, ?, ?)`,
		subjectID, title, sourceFile, version, chunkCount)
	return errors.Wrap(errors.KindStorage, "failed to insert book install state", err)
}
