package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"toetscoach/internal/model"
)

// ErrUnknownSession is returned for a session ID the manager does not know,
// including sessions already removed.
var ErrUnknownSession = errors.New("unknown session")

// Archiver persists completed sessions for later teacher review. The live
// session state itself stays in memory and is discarded with the session.
type Archiver interface {
	SaveSession(state model.SessionState) error
}

// Manager is the registry of live sessions, one controller per session.
type Manager struct {
	oracle  Oracle
	cfg     Config
	archive Archiver

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager creates a session manager. archive may be nil to disable
// persistence of completed sessions.
func NewManager(oracle Oracle, cfg Config, archive Archiver) *Manager {
	return &Manager{
		oracle:   oracle,
		cfg:      cfg.withDefaults(),
		archive:  archive,
		sessions: make(map[string]*Controller),
	}
}

// StartSession creates a fresh session for the exam and runs the initial
// analysis. On failure no session is registered.
func (m *Manager) StartSession(ctx context.Context, exam model.ExamDocument) (model.SessionState, error) {
	ctrl := NewController(m.oracle, m.cfg)

	snap, err := ctrl.Start(ctx, exam)
	if err != nil {
		return model.SessionState{}, err
	}

	id := uuid.NewString()
	m.mu.Lock()
	ctrl.setID(id)
	m.sessions[id] = ctrl
	m.mu.Unlock()

	snap.ID = id
	slog.Info("session started",
		"session_id", id,
		"source", exam.SourceName,
		"total_questions", snap.TotalQuestions,
		"initial_grade", snap.InitialGrade,
	)
	return snap, nil
}

// SubmitAnswer runs a continue turn on the identified session. When the turn
// completes the session, the transcript is archived and the session stays
// retrievable until Remove.
func (m *Manager) SubmitAnswer(ctx context.Context, sessionID, studentText string, sink FragmentSink) (model.SessionState, error) {
	ctrl, ok := m.get(sessionID)
	if !ok {
		return model.SessionState{}, ErrUnknownSession
	}

	snap, err := ctrl.SubmitAnswer(ctx, studentText, sink)
	if err != nil {
		return model.SessionState{}, err
	}

	if snap.IsComplete {
		slog.Info("session complete",
			"session_id", sessionID,
			"initial_grade", snap.InitialGrade,
			"final_grade", *snap.FinalGrade,
		)
		if m.archive != nil {
			if err := m.archive.SaveSession(snap); err != nil {
				slog.Error("archiving completed session failed", "session_id", sessionID, "error", err)
			}
		}
	}
	return snap, nil
}

// State returns the committed snapshot for a session.
func (m *Manager) State(sessionID string) (model.SessionState, error) {
	ctrl, ok := m.get(sessionID)
	if !ok {
		return model.SessionState{}, ErrUnknownSession
	}
	snap, started := ctrl.State()
	if !started {
		return model.SessionState{}, ErrUnknownSession
	}
	return snap, nil
}

// Remove discards a session. An in-flight turn is not interrupted here; its
// transport is abandoned through request-context cancellation.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) get(sessionID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[sessionID]
	return ctrl, ok
}

// setID stamps the registry ID onto the controller's state so snapshots
// carry it.
func (c *Controller) setID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		c.state.ID = id
	}
}
