package roles

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/corpusd/corpusd/internal/log"
	"github.com/corpusd/corpusd/internal/rag"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockOrchestrator implements the stage logic with injectable behavior.
type mockOrchestrator struct {
	decision    rag.Decision
	decideErr   error
	decideDelay time.Duration

	passages      []rag.Passage
	retrieveErr   error
	retrieveDelay time.Duration

	draft       string
	generateErr error

	enhanced   string
	enhanceErr error
	gotDraft   string
}

func (m *mockOrchestrator) Decide(ctx context.Context, _ string) (rag.Decision, error) {
	if m.decideDelay > 0 {
		select {
		case <-time.After(m.decideDelay):
		case <-ctx.Done():
			return rag.Decision{}, ctx.Err()
		}
	}
	return m.decision, m.decideErr
}

func (m *mockOrchestrator) Retrieve(ctx context.Context, _, _ string, _ []string) ([]rag.Passage, error) {
	if m.retrieveDelay > 0 {
		select {
		case <-time.After(m.retrieveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.passages, m.retrieveErr
}

func (m *mockOrchestrator) Generate(_ context.Context, _ string, _ []rag.Passage) (string, error) {
	return m.draft, m.generateErr
}

func (m *mockOrchestrator) Enhance(_ context.Context, _, draft string) (string, error) {
	m.gotDraft = draft
	return m.enhanced, m.enhanceErr
}

func newPipeline(t *testing.T, orch Orchestrator, timeout time.Duration) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{
		Orchestrator: orch,
		RoleTimeout:  timeout,
		Logger:       log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func collect(t *testing.T, ch <-chan Turn) []Turn {
	t.Helper()
	var turns []Turn
	deadline := time.After(5 * time.Second)
	for {
		select {
		case turn, ok := <-ch:
			if !ok {
				return turns
			}
			turns = append(turns, turn)
		case <-deadline:
			t.Fatalf("stream did not close; turns so far: %+v", turns)
		}
	}
}

func TestRunAllStages(t *testing.T) {
	orch := &mockOrchestrator{
		decision: rag.Decision{Retrieve: true, Reasoning: "needs documents"},
		passages: []rag.Passage{
			{Text: "Atlas ships in June.", Source: rag.Source{Filename: "notes.txt", Similarity: 0.9}},
		},
		draft:    "Atlas ships in June.",
		enhanced: "Atlas ships in June.\n\nTECHNICAL TERMS EXPLAINED:\n- Atlas: the project codename",
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Owner: "alice", Query: "when?"}))
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(turns), turns)
	}

	wantRoles := []Role{RoleAnalyzer, RoleRetriever, RoleEnhancer}
	for i, want := range wantRoles {
		if turns[i].Role != want {
			t.Errorf("turn %d role = %s, want %s", i, turns[i].Role, want)
		}
		if turns[i].Error != "" {
			t.Errorf("turn %d unexpectedly failed: %s", i, turns[i].Error)
		}
	}

	// The retriever drafts from the passages, the enhancer annotates the
	// draft. The two turns must not be the same text.
	if turns[1].Content != "Atlas ships in June." {
		t.Errorf("retriever draft = %q", turns[1].Content)
	}
	if orch.gotDraft != "Atlas ships in June." {
		t.Errorf("enhancer received draft %q", orch.gotDraft)
	}
	if turns[2].Content == turns[1].Content {
		t.Error("enhancer output must annotate the draft, not repeat it")
	}
	if !strings.Contains(turns[2].Content, "TECHNICAL TERMS EXPLAINED") {
		t.Errorf("enhanced answer missing annotations: %q", turns[2].Content)
	}
	if !turns[2].Final {
		t.Error("enhancer turn must be final")
	}
	if len(turns[1].Sources) != 1 || len(turns[2].Sources) != 1 {
		t.Errorf("sources missing: retriever=%v enhancer=%v", turns[1].Sources, turns[2].Sources)
	}
}

func TestRunWithoutRetrieval(t *testing.T) {
	orch := &mockOrchestrator{
		decision: rag.Decision{Retrieve: false},
		draft:    "Hi there!",
		enhanced: "Hi there!",
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Query: "hello"}))
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "SUMMARY: no retrieval needed." {
		t.Errorf("unexpected analyzer summary: %q", turns[0].Content)
	}
	if turns[1].Content != "Hi there!" || len(turns[1].Sources) != 0 {
		t.Errorf("unexpected retriever turn: %+v", turns[1])
	}
	if len(turns[2].Sources) != 0 {
		t.Errorf("no sources expected, got %v", turns[2].Sources)
	}
}

func TestAnalyzerReplyEndsPipeline(t *testing.T) {
	// No trailing question mark: the gate is the missing SUMMARY block,
	// not the punctuation.
	const reply = "Please tell me which Atlas release you mean."
	orch := &mockOrchestrator{
		decision: rag.Decision{Retrieve: false, Reasoning: reply},
		draft:    "should never be drafted",
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Query: "when does it ship"}))
	if len(turns) != 1 {
		t.Fatalf("expected only the analyzer reply, got %d: %+v", len(turns), turns)
	}
	if turns[0].Role != RoleAnalyzer || !turns[0].Final {
		t.Errorf("expected final analyzer turn, got %+v", turns[0])
	}
	if turns[0].Content != reply {
		t.Errorf("unexpected reply: %q", turns[0].Content)
	}
}

func TestAnalyzerSummaryContinuesPipeline(t *testing.T) {
	orch := &mockOrchestrator{
		decision: rag.Decision{
			Retrieve:  false,
			Reasoning: "SUMMARY: general question, no documents involved.",
		},
		draft:    "General answer.",
		enhanced: "General answer.",
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Query: "q"}))
	if len(turns) != 3 {
		t.Fatalf("a SUMMARY block must continue the pipeline, got %d turns: %+v", len(turns), turns)
	}
	if turns[0].Content != "SUMMARY: general question, no documents involved." {
		t.Errorf("analyzer turn should carry the model's summary: %q", turns[0].Content)
	}
}

func TestStageFailureEndsStream(t *testing.T) {
	orch := &mockOrchestrator{
		decision:    rag.Decision{Retrieve: true},
		retrieveErr: errors.New("index down"),
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Query: "q", AllowedKeys: []string{"k"}}))
	if len(turns) != 2 {
		t.Fatalf("expected analyzer turn plus one error turn, got %d: %+v", len(turns), turns)
	}
	if turns[1].Role != RoleRetriever || turns[1].Error == "" {
		t.Errorf("expected retriever error turn, got %+v", turns[1])
	}
}

func TestEnhancerFailureEndsStream(t *testing.T) {
	orch := &mockOrchestrator{
		decision:   rag.Decision{Retrieve: false},
		draft:      "draft",
		enhanceErr: errors.New("model down"),
	}
	p := newPipeline(t, orch, time.Second)

	turns := collect(t, p.Run(context.Background(), Request{Query: "q"}))
	if len(turns) != 3 {
		t.Fatalf("expected two stage turns plus one error turn, got %d: %+v", len(turns), turns)
	}
	if turns[2].Role != RoleEnhancer || turns[2].Error == "" || turns[2].Final {
		t.Errorf("expected non-final enhancer error turn, got %+v", turns[2])
	}
}

func TestRoleTimeout(t *testing.T) {
	orch := &mockOrchestrator{
		decideDelay: time.Second,
		decision:    rag.Decision{Retrieve: false},
	}
	p := newPipeline(t, orch, 20*time.Millisecond)

	turns := collect(t, p.Run(context.Background(), Request{Query: "slow"}))
	if len(turns) != 1 {
		t.Fatalf("expected exactly one error turn, got %d: %+v", len(turns), turns)
	}
	if turns[0].Role != RoleAnalyzer || turns[0].Error == "" {
		t.Errorf("expected analyzer error turn, got %+v", turns[0])
	}
}

func TestSecondRoleTimeoutEmitsOneErrorTurn(t *testing.T) {
	orch := &mockOrchestrator{
		decision:      rag.Decision{Retrieve: true, Reasoning: "needs documents"},
		retrieveDelay: time.Second,
		draft:         "never reached",
	}
	p := newPipeline(t, orch, 20*time.Millisecond)

	turns := collect(t, p.Run(context.Background(), Request{Query: "q", AllowedKeys: []string{"k"}}))
	if len(turns) != 2 {
		t.Fatalf("expected analyzer turn plus one error turn, got %d: %+v", len(turns), turns)
	}
	if turns[1].Role != RoleRetriever || turns[1].Error == "" {
		t.Fatalf("expected retriever error turn, got %+v", turns[1])
	}
	if !strings.Contains(turns[1].Error, ErrRoleTimeout.Error()) {
		t.Errorf("error should report the timeout: %q", turns[1].Error)
	}
}

func TestAbandonedConsumerDoesNotLeak(t *testing.T) {
	orch := &mockOrchestrator{
		decision: rag.Decision{Retrieve: false},
		draft:    "done",
		enhanced: "done",
	}
	p := newPipeline(t, orch, time.Second)

	// Never read from the stream; the buffered channel lets the
	// pipeline goroutine finish anyway. goleak verifies at exit.
	_ = p.Run(context.Background(), Request{Query: "ignored"})
	time.Sleep(50 * time.Millisecond)
}

// ============================================================
// advance
// ============================================================

func TestAdvance(t *testing.T) {
	passages := []rag.Passage{
		{Text: "fact", Source: rag.Source{Filename: "f.txt", Similarity: 0.9}},
	}

	tests := []struct {
		name     string
		st       state
		res      outcome
		wantTurn Turn
		wantNext Role
		wantDone bool
	}{
		{
			name:     "analyzer summary moves to retriever",
			res:      outcome{role: RoleAnalyzer, decision: rag.Decision{Retrieve: true}},
			wantTurn: Turn{Role: RoleAnalyzer, Content: "SUMMARY: retrieval needed."},
			wantNext: RoleRetriever,
		},
		{
			name: "analyzer reply is terminal",
			res:  outcome{role: RoleAnalyzer, decision: rag.Decision{Reasoning: "Which one?"}},
			wantTurn: Turn{
				Role: RoleAnalyzer, Content: "Which one?", Final: true,
			},
			wantDone: true,
		},
		{
			name:     "retriever draft moves to enhancer",
			st:       state{decision: rag.Decision{Retrieve: true}},
			res:      outcome{role: RoleRetriever, passages: passages, text: "draft"},
			wantTurn: Turn{Role: RoleRetriever, Content: "draft", Sources: sourcesOf(passages)},
			wantNext: RoleEnhancer,
		},
		{
			name:     "enhancer answer is terminal",
			st:       state{passages: passages, draft: "draft"},
			res:      outcome{role: RoleEnhancer, text: "annotated"},
			wantTurn: Turn{Role: RoleEnhancer, Content: "annotated", Sources: sourcesOf(passages), Final: true},
			wantDone: true,
		},
		{
			name:     "stage error is terminal",
			res:      outcome{role: RoleRetriever, err: errors.New("boom")},
			wantDone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, turn, next, done := advance(tt.st, tt.res)
			if done != tt.wantDone {
				t.Fatalf("done = %v, want %v", done, tt.wantDone)
			}
			if tt.res.err != nil {
				if turn.Error == "" || turn.Role != tt.res.role {
					t.Fatalf("expected error turn for the failed role, got %+v", turn)
				}
				return
			}
			if turn.Role != tt.wantTurn.Role || turn.Content != tt.wantTurn.Content || turn.Final != tt.wantTurn.Final {
				t.Errorf("turn = %+v, want %+v", turn, tt.wantTurn)
			}
			if len(turn.Sources) != len(tt.wantTurn.Sources) {
				t.Errorf("sources = %v, want %v", turn.Sources, tt.wantTurn.Sources)
			}
			if !done && next != tt.wantNext {
				t.Errorf("next role = %s, want %s", next, tt.wantNext)
			}
		})
	}
}
