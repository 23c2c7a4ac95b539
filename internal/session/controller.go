// Package session orchestrates the per-turn pipeline: compose prompt, call
// the oracle, parse the reply and apply the state transition. The controller
// is the only component that mutates session state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"toetscoach/internal/feedback"
	"toetscoach/internal/i18n"
	"toetscoach/internal/llm"
	"toetscoach/internal/llm/prompts"
	"toetscoach/internal/model"
)

// ErrSessionBusy is returned when a turn is submitted while an earlier turn
// for the same session is still in flight.
var ErrSessionBusy = errors.New("a previous answer is still being processed")

// ErrNotStarted is returned when a turn is submitted before the initial
// analysis succeeded.
var ErrNotStarted = errors.New("session has not been started")

// Oracle is the reasoning backend the controller talks to. *llm.Client
// satisfies it; tests inject fakes.
type Oracle interface {
	AnalyzeExam(ctx context.Context, prompt string) (*model.AnalysisEnvelope, error)
	GenerateStream(ctx context.Context, prompt string) (<-chan llm.Fragment, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// FragmentSink receives in-progress oracle fragments for incremental
// rendering. Fragments are a transient preview, never committed state.
type FragmentSink func(fragment string)

// Observer receives a committed state snapshot after each completed turn.
type Observer func(model.SessionState)

// Config holds per-controller tuning.
type Config struct {
	// RemediationBonus is added to the initial grade on completion when the
	// oracle reports no explicit final grade.
	RemediationBonus float64
	// TurnTimeout bounds one oracle call, streaming included.
	TurnTimeout time.Duration
}

// DefaultTurnTimeout bounds a single oracle turn.
const DefaultTurnTimeout = 60 * time.Second

func (c Config) withDefaults() Config {
	if c.RemediationBonus <= 0 {
		c.RemediationBonus = model.DefaultRemediationBonus
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	return c
}

// Controller owns exactly one session. State escapes only as snapshots.
type Controller struct {
	oracle Oracle
	cfg    Config

	mu        sync.Mutex
	busy      bool
	state     *model.SessionState
	observers []Observer
}

// NewController creates a controller for a single, not-yet-started session.
// The oracle is an injected dependency; there is no ambient client.
func NewController(oracle Oracle, cfg Config) *Controller {
	return &Controller{oracle: oracle, cfg: cfg.withDefaults()}
}

// Subscribe registers an observer for committed snapshots. Observers are
// called synchronously after each completed turn, never mid-stream.
func (c *Controller) Subscribe(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns a snapshot of the committed state, and false when the
// session was never started.
func (c *Controller) State() (model.SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return model.SessionState{}, false
	}
	return c.state.Snapshot(), true
}

// Start runs the initial analysis and the Uninitialized -> Active
// transition. When the oracle returns no parseable envelope a conservative,
// clearly-labeled fallback envelope keeps the session usable.
func (c *Controller) Start(ctx context.Context, exam model.ExamDocument) (model.SessionState, error) {
	if err := c.acquire(); err != nil {
		return model.SessionState{}, err
	}
	defer c.release()

	c.mu.Lock()
	started := c.state != nil
	c.mu.Unlock()
	if started {
		return model.SessionState{}, &model.InvalidTransitionError{Reason: "session is already started"}
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()

	env, err := c.oracle.AnalyzeExam(tctx, prompts.BuildInitial(exam))
	if err != nil {
		var malformed *llm.MalformedOutputError
		if !errors.As(err, &malformed) {
			return model.SessionState{}, err
		}
		slog.Warn("initial analysis had no envelope, using fallback", "chars", len(malformed.Raw))
		env = fallbackEnvelope(ctx, malformed.Raw)
	}

	parsed := feedback.Parse(env.FirstQuestionFeedback)
	state := model.NewSessionState(exam, *env, parsed, c.cfg.RemediationBonus)

	c.mu.Lock()
	c.state = state
	snap := state.Snapshot()
	c.mu.Unlock()

	c.notify(snap)
	return snap, nil
}

// SubmitAnswer runs one full continue turn: compose, stream the oracle
// reply (forwarding fragments to sink as a preview), then parse and commit
// exactly one transition after the stream closes cleanly. A cancelled or
// failed stream leaves state untouched, as if the turn was never submitted.
// Concurrent submissions on the same session are rejected with
// ErrSessionBusy.
func (c *Controller) SubmitAnswer(ctx context.Context, studentText string, sink FragmentSink) (model.SessionState, error) {
	if err := c.acquire(); err != nil {
		return model.SessionState{}, err
	}
	defer c.release()

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return model.SessionState{}, ErrNotStarted
	}
	if c.state.IsComplete {
		c.mu.Unlock()
		return model.SessionState{}, &model.InvalidTransitionError{Reason: "session is already complete"}
	}
	exam := c.state.Exam
	current := c.state.Snapshot()
	c.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()

	fragments, err := c.oracle.GenerateStream(tctx, prompts.BuildContinue(exam, current, studentText))
	if err != nil {
		return model.SessionState{}, err
	}

	var buf strings.Builder
	for f := range fragments {
		if f.Err != nil {
			return model.SessionState{}, f.Err
		}
		buf.WriteString(f.Content)
		if sink != nil {
			sink(f.Content)
		}
	}
	if err := tctx.Err(); err != nil {
		// The stream ended because the turn was abandoned or timed out; the
		// buffered text is discarded and no transition is applied.
		return model.SessionState{}, &llm.UpstreamError{Op: "stream", Err: err}
	}

	raw := buf.String()
	parsed := feedback.Parse(raw)
	status := feedback.ParseTurnStatus(raw)

	c.mu.Lock()
	if err := c.state.ApplyTurn(studentText, raw, parsed, status); err != nil {
		c.mu.Unlock()
		return model.SessionState{}, err
	}
	snap := c.state.Snapshot()
	c.mu.Unlock()

	c.notify(snap)
	return snap, nil
}

func (c *Controller) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrSessionBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) notify(snap model.SessionState) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// fallbackEnvelope substitutes safe defaults when the initial analysis
// carried no JSON envelope. The raw oracle text still reaches the student as
// the first feedback; nothing beyond the labeled defaults is invented.
func fallbackEnvelope(ctx context.Context, raw string) *model.AnalysisEnvelope {
	return &model.AnalysisEnvelope{
		Summary:      i18n.T(ctx, "fallback.summary"),
		InitialGrade: 6.0,
		LearningObjectives: []string{
			i18n.T(ctx, "fallback.objective_concepts"),
			i18n.T(ctx, "fallback.objective_reactions"),
			i18n.T(ctx, "fallback.objective_calculations"),
		},
		TotalQuestions:        5,
		FirstQuestionFeedback: raw,
		Fallback:              true,
	}
}
