// Package store archives completed feedback sessions in SQLite for later
// teacher review. Live sessions are memory-only; only finished transcripts
// land here.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"toetscoach/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		total_questions INTEGER NOT NULL,
		initial_grade REAL NOT NULL,
		final_grade REAL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS objectives (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, position);
	CREATE INDEX IF NOT EXISTS idx_objectives_session ON objectives(session_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession archives one completed session. Saving the same session ID
// again replaces the earlier archive.
func (s *Store) SaveSession(state model.SessionState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM objectives WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, state.ID); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`INSERT INTO sessions (id, source_name, source_kind, summary, total_questions, initial_grade, final_grade, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.Exam.SourceName, string(state.Exam.SourceKind), state.Summary,
		state.TotalQuestions, state.InitialGrade, state.FinalGrade, state.StartedAt, state.CompletedAt,
	)
	if err != nil {
		return err
	}

	for i, obj := range state.LearningObjectives {
		if _, err := tx.Exec(
			`INSERT INTO objectives (session_id, position, text) VALUES (?, ?, ?)`,
			state.ID, i, obj,
		); err != nil {
			return err
		}
	}

	for i, turn := range state.History {
		if _, err := tx.Exec(
			`INSERT INTO turns (session_id, position, speaker, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			state.ID, i, string(turn.Speaker), turn.Content, turn.Timestamp,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSession returns one archived session with its objectives and full
// transcript.
func (s *Store) GetSession(id string) (model.SessionExport, error) {
	var (
		exp         model.SessionExport
		finalGrade  sql.NullFloat64
		completedAt sql.NullTime
	)
	err := s.db.QueryRow(
		`SELECT id, source_name, source_kind, summary, total_questions, initial_grade, final_grade, started_at, completed_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&exp.SessionID, &exp.SourceName, &exp.SourceKind, &exp.Summary,
		&exp.TotalQuestions, &exp.InitialGrade, &finalGrade, &exp.StartedAt, &completedAt)
	if err != nil {
		return model.SessionExport{}, err
	}
	if finalGrade.Valid {
		exp.FinalGrade = &finalGrade.Float64
	}
	if completedAt.Valid {
		exp.CompletedAt = &completedAt.Time
	}

	exp.LearningObjectives, err = s.objectivesFor(id)
	if err != nil {
		return model.SessionExport{}, err
	}
	exp.Turns, err = s.turnsFor(id)
	if err != nil {
		return model.SessionExport{}, err
	}
	return exp, nil
}

// ListSessionIDs returns all archived session IDs, oldest first.
func (s *Store) ListSessionIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) objectivesFor(sessionID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT text FROM objectives WHERE session_id = ? ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var objectives []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		objectives = append(objectives, text)
	}
	return objectives, rows.Err()
}

func (s *Store) turnsFor(sessionID string) ([]model.TurnExport, error) {
	rows, err := s.db.Query(
		`SELECT speaker, content, created_at FROM turns WHERE session_id = ? ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.TurnExport
	for rows.Next() {
		var (
			turn model.TurnExport
			at   time.Time
		)
		if err := rows.Scan(&turn.Speaker, &turn.Content, &at); err != nil {
			return nil, err
		}
		turn.At = at
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
