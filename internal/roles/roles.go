// Package roles runs the staged answering pipeline: an analyzer decides
// whether retrieval is needed, a retriever gathers passages and drafts an
// answer strictly from them, and an enhancer annotates the draft with term
// explanations and safety notes. Each stage gets its own deadline and
// reports one turn on a stream, so a caller can render progress as the
// stages complete.
//
// The pipeline is an explicit state machine: runStage performs one role's
// side effects, and the pure advance function folds the outcome into the
// state and picks the turn to emit and the role to run next. Every failure
// path ends the stream with a single error turn.
package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corpusd/corpusd/internal/rag"
)

// Role names one pipeline stage.
type Role string

const (
	RoleAnalyzer  Role = "analyzer"
	RoleRetriever Role = "retriever"
	RoleEnhancer  Role = "enhancer"
)

// ErrRoleTimeout reports a stage that exceeded its deadline.
var ErrRoleTimeout = errors.New("role timed out")

// Turn is one stage's contribution to the stream. Final marks the last
// successful turn: the enhancer's annotated answer, or the analyzer's
// reply when it addresses the user directly instead of producing a
// summary. Error is set on the single terminating turn of a failed run.
// The stream channel closes after the last turn.
type Turn struct {
	Role    Role         `json:"role"`
	Content string       `json:"content"`
	Sources []rag.Source `json:"sources,omitempty"`
	Final   bool         `json:"final,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Request is one question routed through the pipeline.
type Request struct {
	Owner       string
	Query       string
	AllowedKeys []string
}

// Orchestrator is the stage logic behind the pipeline.
type Orchestrator interface {
	Decide(ctx context.Context, query string) (rag.Decision, error)
	Retrieve(ctx context.Context, owner, query string, allowedKeys []string) ([]rag.Passage, error)
	Generate(ctx context.Context, query string, passages []rag.Passage) (string, error)
	Enhance(ctx context.Context, query, draft string) (string, error)
}

// Config contains the required dependencies for a Pipeline.
type Config struct {
	Orchestrator Orchestrator

	// RoleTimeout bounds each stage. Defaults to 30 seconds.
	RoleTimeout time.Duration

	Logger *slog.Logger
}

// Pipeline executes the three stages in order.
type Pipeline struct {
	orch    Orchestrator
	timeout time.Duration
	logger  *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.RoleTimeout <= 0 {
		cfg.RoleTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		orch:    cfg.Orchestrator,
		timeout: cfg.RoleTimeout,
		logger:  cfg.Logger,
	}, nil
}

// state is what earlier stages have produced for later ones.
type state struct {
	decision rag.Decision
	passages []rag.Passage
	draft    string
}

// outcome is one stage's raw result before advance turns it into a Turn.
// Exactly one payload field is set, matching the role that ran.
type outcome struct {
	role Role
	err  error

	decision rag.Decision  // analyzer
	passages []rag.Passage // retriever
	text     string        // retriever draft or enhancer answer
}

// Run streams the stages' turns. The channel is buffered for every possible
// turn and always closes, so the pipeline goroutine never outlives an
// abandoned consumer. A failed stage produces exactly one error turn and
// ends the stream; no later stage runs.
func (p *Pipeline) Run(ctx context.Context, req Request) <-chan Turn {
	out := make(chan Turn, 3)

	go func() {
		defer close(out)

		var st state
		role := RoleAnalyzer
		for {
			res := p.runStage(ctx, role, st, req)

			var turn Turn
			var done bool
			st, turn, role, done = advance(st, res)
			out <- turn
			if done {
				return
			}
		}
	}()

	return out
}

// runStage executes one role's side effects under the role deadline.
func (p *Pipeline) runStage(ctx context.Context, role Role, st state, req Request) outcome {
	res := outcome{role: role}
	res.err = p.runRole(ctx, func(ctx context.Context) error {
		switch role {
		case RoleAnalyzer:
			d, err := p.orch.Decide(ctx, req.Query)
			res.decision = d
			return err

		case RoleRetriever:
			var passages []rag.Passage
			if st.decision.Retrieve {
				var err error
				passages, err = p.orch.Retrieve(ctx, req.Owner, req.Query, req.AllowedKeys)
				if err != nil {
					return err
				}
			}
			res.passages = passages
			draft, err := p.orch.Generate(ctx, req.Query, passages)
			res.text = draft
			return err

		default: // RoleEnhancer
			enhanced, err := p.orch.Enhance(ctx, req.Query, st.draft)
			res.text = enhanced
			return err
		}
	})
	return res
}

// advance is the pipeline's pure transition: it folds one stage outcome
// into the state and returns the turn to emit, the next role to run, and
// whether the stream is over. Failure always terminates with the single
// error turn of the stage that failed.
func advance(st state, res outcome) (state, Turn, Role, bool) {
	if res.err != nil {
		return st, errorTurn(res.role, res.err), "", true
	}

	switch res.role {
	case RoleAnalyzer:
		st.decision = res.decision
		if reply, ok := analyzerReply(res.decision); ok {
			return st, Turn{Role: RoleAnalyzer, Content: reply, Final: true}, "", true
		}
		return st, Turn{Role: RoleAnalyzer, Content: analysisSummary(res.decision)}, RoleRetriever, false

	case RoleRetriever:
		st.passages = res.passages
		st.draft = res.text
		turn := Turn{Role: RoleRetriever, Content: res.text, Sources: sourcesOf(res.passages)}
		return st, turn, RoleEnhancer, false

	default: // RoleEnhancer
		turn := Turn{Role: RoleEnhancer, Content: res.text, Sources: sourcesOf(st.passages), Final: true}
		return st, turn, "", true
	}
}

// runRole executes one stage under its own deadline, mapping a deadline hit
// to ErrRoleTimeout so callers can tell it apart from stage failures.
func (p *Pipeline) runRole(ctx context.Context, fn func(context.Context) error) error {
	roleCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := fn(roleCtx)
	if err != nil && roleCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrRoleTimeout, p.timeout, err)
	}
	return err
}

func errorTurn(role Role, err error) Turn {
	return Turn{
		Role:    role,
		Content: "I ran into an error answering this question.",
		Error:   err.Error(),
	}
}

// analyzerReply reports whether the analyzer addressed the user directly
// instead of producing a summary for the retriever: it declined retrieval
// and its text is not a SUMMARY block. Typically a clarifying question.
func analyzerReply(d rag.Decision) (string, bool) {
	if d.Retrieve {
		return "", false
	}
	reply := strings.TrimSpace(d.Reasoning)
	if reply == "" || isSummary(reply) {
		return "", false
	}
	return reply, true
}

// isSummary mirrors the structured block the analyzer emits when it has
// enough information to continue.
func isSummary(text string) bool {
	return strings.HasPrefix(strings.ToUpper(text), "SUMMARY")
}

func analysisSummary(d rag.Decision) string {
	if d.Retrieve {
		if d.Reasoning != "" {
			return "SUMMARY: retrieval needed. " + d.Reasoning
		}
		return "SUMMARY: retrieval needed."
	}
	if d.Reasoning != "" {
		return strings.TrimSpace(d.Reasoning)
	}
	return "SUMMARY: no retrieval needed."
}

func sourcesOf(passages []rag.Passage) []rag.Source {
	if len(passages) == 0 {
		return nil
	}
	sources := make([]rag.Source, len(passages))
	for i, p := range passages {
		sources[i] = p.Source
	}
	return sources
}
