// Package rag orchestrates retrieval-augmented answering. The model itself
// decides whether a question needs document retrieval by requesting the
// retrieve_context tool; retrieval then runs outside the model loop so that
// the search scope stays under the caller's control.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/corpusd/corpusd/internal/index"
)

var (
	// ErrModel tags failures of the language model.
	ErrModel = errors.New("model call failed")

	// ErrRetrieval tags failures of the embed-and-search path.
	ErrRetrieval = errors.New("retrieval failed")
)

// RetrieveToolName is the tool the model requests to trigger retrieval.
const RetrieveToolName = "retrieve_context"

// ErrorMarker prefixes the answer text of a Result produced from a failed
// run. Callers check for the prefix instead of an error value.
const ErrorMarker = "[error]"

// retrieveInput is the tool's input schema. The model fills it when it
// decides retrieval is needed; the tool body never executes.
type retrieveInput struct {
	Query     string `json:"query" jsonschema_description:"Search query for the user's documents"`
	Reasoning string `json:"reasoning" jsonschema_description:"Why retrieval is needed"`
}

// Decision is the outcome of the analysis step.
type Decision struct {
	Retrieve  bool
	Reasoning string
}

// Source identifies where a retrieved passage came from.
type Source struct {
	ObjectKey  string  `json:"object_key"`
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// Passage is a retrieved chunk with its provenance.
type Passage struct {
	Text   string
	Source Source
}

// Result is a complete answer with the sources that grounded it.
type Result struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Searcher ranks indexed chunks against a query vector.
type Searcher interface {
	Search(ctx context.Context, vector []float32, allowedKeys []string, opts ...index.SearchOption) ([]index.Result, error)
}

// Embedder encodes a single query text.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// FilenameResolver maps object keys back to the owner's filenames.
type FilenameResolver interface {
	ResolveFilenames(ctx context.Context, owner string, keys []string) (map[string]string, error)
}

// Config contains the required dependencies for an Orchestrator.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Embedder  Embedder
	Index     Searcher
	Files     FilenameResolver

	SearchLimit int
	Threshold   float64

	Logger *slog.Logger
}

// Orchestrator runs the decide, retrieve, generate sequence.
type Orchestrator struct {
	g            *genkit.Genkit
	modelName    string
	embedder     Embedder
	index        Searcher
	files        FilenameResolver
	retrieveTool ai.Tool
	searchLimit  int
	threshold    float64
	logger       *slog.Logger
}

// New creates an Orchestrator and registers its retrieval tool with the
// Genkit registry. Call it once per Genkit instance.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.Embedder == nil || cfg.Index == nil || cfg.Files == nil {
		return nil, errors.New("embedder, index and files are required")
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tool := genkit.DefineTool(cfg.Genkit, RetrieveToolName,
		"Search the user's uploaded documents for context relevant to their question. "+
			"Call this whenever the question refers to facts that could live in those documents.",
		func(_ *ai.ToolContext, input retrieveInput) (string, error) {
			// Requests are intercepted before execution; reaching this
			// body means the generate call was misconfigured.
			return "", fmt.Errorf("%s must not be executed directly", RetrieveToolName)
		},
	)

	return &Orchestrator{
		g:            cfg.Genkit,
		modelName:    cfg.ModelName,
		embedder:     cfg.Embedder,
		index:        cfg.Index,
		files:        cfg.Files,
		retrieveTool: tool,
		searchLimit:  cfg.SearchLimit,
		threshold:    cfg.Threshold,
		logger:       cfg.Logger,
	}, nil
}

const decideSystem = `You analyze a user's question and decide whether answering it requires
searching their uploaded documents. If it does, call the retrieve_context tool
with a focused search query and your reasoning. Answer directly, without the
tool, only for greetings, small talk, or questions about general knowledge
that uploaded documents could not improve.`

// Decide asks the model whether the question needs document retrieval.
// The answer is the presence or absence of a retrieve_context tool request,
// not free-form text that would need parsing.
func (o *Orchestrator) Decide(ctx context.Context, query string) (Decision, error) {
	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(o.modelName),
		ai.WithSystem(decideSystem),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(query))),
		ai.WithTools(o.retrieveTool),
		ai.WithReturnToolRequests(true),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: analyzing question: %w", ErrModel, err)
	}

	for _, tr := range resp.ToolRequests() {
		if tr.Name != RetrieveToolName {
			continue
		}
		d := Decision{Retrieve: true}
		if input, ok := tr.Input.(map[string]any); ok {
			d.Reasoning, _ = input["reasoning"].(string)
		}
		return d, nil
	}
	return Decision{Retrieve: false, Reasoning: resp.Text()}, nil
}

// Retrieve embeds the query and returns the best-matching passages from the
// allowed objects. An empty scope short-circuits to no passages.
func (o *Orchestrator) Retrieve(ctx context.Context, owner, query string, allowedKeys []string) ([]Passage, error) {
	if len(allowedKeys) == 0 {
		return nil, nil
	}

	vector, err := o.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrRetrieval, err)
	}

	results, err := o.index.Search(ctx, vector, allowedKeys,
		index.WithLimit(o.searchLimit), index.WithThreshold(o.threshold))
	if err != nil {
		return nil, fmt.Errorf("%w: searching index: %w", ErrRetrieval, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(results))
	seen := make(map[string]bool)
	for _, r := range results {
		if !seen[r.ObjectKey] {
			seen[r.ObjectKey] = true
			keys = append(keys, r.ObjectKey)
		}
	}
	names, err := o.files.ResolveFilenames(ctx, owner, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving filenames: %w", ErrRetrieval, err)
	}

	passages := make([]Passage, len(results))
	for i, r := range results {
		passages[i] = Passage{
			Text: r.Text,
			Source: Source{
				ObjectKey:  r.ObjectKey,
				Filename:   names[r.ObjectKey],
				Similarity: r.Similarity,
			},
		}
	}
	o.logger.Debug("retrieved passages", "count", len(passages), "scope", len(allowedKeys))
	return passages, nil
}

const answerSystem = `You answer the user's question using only the context passages below.
Cite facts from the passages rather than inventing details. If the passages do
not contain the answer, say that you could not find relevant information in
the uploaded documents.`

const declineSystem = `No relevant passages were found in the user's uploaded documents.
Tell the user you could not find relevant information in their documents, and
answer from general knowledge only if the question clearly does not depend on
their documents.`

// Generate produces the final answer, grounded on the passages when there
// are any.
func (o *Orchestrator) Generate(ctx context.Context, query string, passages []Passage) (string, error) {
	system := declineSystem
	if len(passages) > 0 {
		var sb strings.Builder
		sb.WriteString(answerSystem)
		sb.WriteString("\n\nContext passages:\n")
		for i, p := range passages {
			fmt.Fprintf(&sb, "\n[%d] (from %s)\n%s\n", i+1, p.Source.Filename, p.Text)
		}
		system = sb.String()
	}

	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(o.modelName),
		ai.WithSystem(system),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(query))),
	)
	if err != nil {
		return "", fmt.Errorf("%w: generating answer: %w", ErrModel, err)
	}
	return resp.Text(), nil
}

const enhanceSystem = `You enhance a drafted answer without changing its facts. Identify
technical terms and jargon, add clear explanations, and format for
readability.

Always structure your response as the draft's content followed by:

TECHNICAL TERMS EXPLAINED:
- Term: Simple explanation

SAFETY NOTES:
[Any relevant safety or tooling information, or omit the section]`

// Enhance rewrites a drafted answer with explanations for its technical
// terms and any safety notes that apply. The facts come from the draft;
// this call only annotates them.
func (o *Orchestrator) Enhance(ctx context.Context, query, draft string) (string, error) {
	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(o.modelName),
		ai.WithSystem(enhanceSystem),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(
			fmt.Sprintf("Question: %s\n\nDraft answer:\n%s", query, draft),
		))),
	)
	if err != nil {
		return "", fmt.Errorf("%w: enhancing answer: %w", ErrModel, err)
	}
	return resp.Text(), nil
}

// Answer runs the full sequence for one question. Sources are empty when the
// model answered without retrieval or nothing cleared the threshold. A stage
// failure never escapes as an error: it is logged and folded into a
// well-formed Result whose answer starts with ErrorMarker, so a streaming or
// HTTP caller always has something renderable.
func (o *Orchestrator) Answer(ctx context.Context, owner, query string, allowedKeys []string) (Result, error) {
	decision, err := o.Decide(ctx, query)
	if err != nil {
		return o.errorResult("deciding", err), nil
	}

	var passages []Passage
	if decision.Retrieve {
		passages, err = o.Retrieve(ctx, owner, query, allowedKeys)
		if err != nil {
			return o.errorResult("retrieving", err), nil
		}
	} else {
		o.logger.Debug("answering without retrieval", "reasoning", decision.Reasoning)
	}

	answer, err := o.Generate(ctx, query, passages)
	if err != nil {
		return o.errorResult("generating", err), nil
	}

	sources := make([]Source, len(passages))
	for i, p := range passages {
		sources[i] = p.Source
	}
	return Result{Answer: answer, Sources: sources}, nil
}

func (o *Orchestrator) errorResult(stage string, err error) Result {
	o.logger.Error("answer failed", "stage", stage, "error", err)
	return Result{
		Answer:  ErrorMarker + " I ran into an error answering this question. Please try again.",
		Sources: []Source{},
	}
}
