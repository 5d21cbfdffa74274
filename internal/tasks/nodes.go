package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bidflow/bidflow/internal/llm"
	"github.com/bidflow/bidflow/internal/retrieval"
	"github.com/bidflow/bidflow/internal/validation"
	"github.com/bidflow/bidflow/pkg/schema"
)

// contextTopK is how many retrieved passages augment a retrieval-backed
// node's prompt.
const contextTopK = 6

// ContextRetriever is the read-only retrieval capability a node may use
// for supplementary context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, queryText, projectID string, topK int, opts retrieval.Options) ([]retrieval.ScoredChunk, error)
}

// promptNode is the common shape of all six analysis nodes: a system
// role, a jq-interpolated prompt template, an optional guard, and an
// optional retrieval query for context augmentation.
type promptNode struct {
	name     schema.TaskName
	guard    string
	system   string
	template string
	// retrieveQuery, when set, is rendered against the bundle and used to
	// pull supporting passages into the prompt.
	retrieveQuery string

	gen       llm.Generator
	renderer  *Renderer
	checker   validation.OutputChecker
	retriever ContextRetriever
	logger    *slog.Logger
}

func (n *promptNode) Name() schema.TaskName { return n.name }
func (n *promptNode) Guard() string         { return n.guard }

// Execute renders the prompt, generates, and validates the structured
// output against the task's schema. Generation and validation failures
// surface unchanged so the executor can classify them.
func (n *promptNode) Execute(ctx context.Context, bundle *InputBundle) (json.RawMessage, error) {
	prompt, err := n.renderer.Render(ctx, n.template, bundle)
	if err != nil {
		return nil, err
	}

	if n.retrieveQuery != "" && n.retriever != nil {
		passages, err := n.retrieveContext(ctx, bundle)
		if err != nil {
			return nil, err
		}
		if passages != "" {
			prompt += "\n\nRelevant passages from prior materials:\n" + passages
		}
	}

	out, err := n.gen.Generate(ctx, llm.Request{
		System:     n.system,
		Prompt:     prompt,
		JSONOutput: true,
	})
	if err != nil {
		return nil, err
	}

	raw := []byte(llm.ExtractJSON(out))
	if err := n.checker.ValidateTaskOutput(n.name, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// retrieveContext resolves the node's retrieval query and formats the
// matching passages. Retrieval here is a side-effect-free dependency;
// its own degradation rules apply.
func (n *promptNode) retrieveContext(ctx context.Context, bundle *InputBundle) (string, error) {
	query, err := n.renderer.Render(ctx, n.retrieveQuery, bundle)
	if err != nil {
		return "", err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}

	matches, err := n.retriever.Retrieve(ctx, query, bundle.ProjectID, contextTopK, retrieval.Options{})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, m.Chunk.Text)
	}
	return sb.String(), nil
}

// Registry holds the six analysis nodes and the guard engine that gates
// them.
type Registry struct {
	nodes  map[schema.TaskName]Node
	guards *GuardEngine
}

// NewRegistry wires the six nodes. gen must already carry retry and
// circuit-breaker protection; retriever may be nil, in which case
// retrieval-backed nodes run without supplementary context.
func NewRegistry(gen llm.Generator, retriever ContextRetriever, checker validation.OutputChecker, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	guards, err := NewGuardEngine()
	if err != nil {
		return nil, err
	}
	renderer := NewRenderer(NewJQEngine())

	build := func(name schema.TaskName, guard, system, template, retrieveQuery string) Node {
		return &promptNode{
			name:          name,
			guard:         guard,
			system:        system,
			template:      template,
			retrieveQuery: retrieveQuery,
			gen:           gen,
			renderer:      renderer,
			checker:       checker,
			retriever:     retriever,
			logger:        logger,
		}
	}

	nodes := map[schema.TaskName]Node{
		schema.TaskRFPAnalysis: build(
			schema.TaskRFPAnalysis,
			"",
			"You analyze RFP documents for a proposal team. Respond with JSON only.",
			rfpAnalysisTemplate,
			"",
		),
		schema.TaskChallengeExtract: build(
			schema.TaskChallengeExtract,
			"",
			"You identify delivery challenges implied by an RFP. Respond with JSON only.",
			challengeExtractionTemplate,
			"",
		),
		schema.TaskDiscoveryQuestions: build(
			schema.TaskDiscoveryQuestions,
			"",
			"You write discovery questions for a pre-sales team. Respond with JSON only.",
			discoveryQuestionsTemplate,
			`${{ [.tasks.challenge_extraction.challenges[]?.title] | join(" ") }}`,
		),
		schema.TaskValuePropositions: build(
			schema.TaskValuePropositions,
			"",
			"You craft value propositions addressing client challenges. Respond with JSON only.",
			valuePropositionsTemplate,
			"",
		),
		schema.TaskCaseStudyMatching: build(
			schema.TaskCaseStudyMatching,
			`size(tasks["challenge_extraction"]["challenges"]) > 0`,
			"You match client challenges to prior case studies. Respond with JSON only.",
			caseStudyMatchingTemplate,
			`${{ [.tasks.challenge_extraction.challenges[]?.title] | join(" ") }}`,
		),
		schema.TaskProposalOutline: build(
			schema.TaskProposalOutline,
			"",
			"You assemble proposal outlines from analysis results. Respond with JSON only.",
			proposalOutlineTemplate,
			"",
		),
	}

	return &Registry{nodes: nodes, guards: guards}, nil
}

// Get returns the node for a task name.
func (r *Registry) Get(name schema.TaskName) (Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// Allowed evaluates a node's guard against the bundle. Nodes without a
// guard always run.
func (r *Registry) Allowed(ctx context.Context, node Node, bundle *InputBundle) (bool, error) {
	return r.guards.Allow(ctx, node.Guard(), bundle)
}

const rfpAnalysisTemplate = `Analyze the following RFP document. Extract a concise summary, the client
name if stated, the scope of work, every requirement (marking mandatory
ones), stated deadlines, and evaluation criteria.

Return JSON with keys: summary, client_name, scope, requirements
(objects with text, category, mandatory), deadlines (objects with label,
date), evaluation_criteria.

Document:
${{ .document }}`

const challengeExtractionTemplate = `Based on the RFP analysis below, identify the delivery challenges this
engagement implies. For each challenge give a short title, a description,
and a severity of low, medium or high.

Return JSON with key: challenges (objects with title, description,
severity).

RFP analysis:
${{ .tasks.rfp_analysis }}`

const discoveryQuestionsTemplate = `Write discovery questions a pre-sales team should ask the client, driven
by the challenges below. Each question needs a rationale and a topic.

Return JSON with key: questions (objects with question, rationale,
topic). At least one question.

Challenges:
${{ .tasks.challenge_extraction.challenges }}`

const valuePropositionsTemplate = `Craft value propositions that address the challenges below. Each
proposition states a benefit, names the challenge it addresses, and cites
supporting evidence where possible.

Return JSON with key: propositions (objects with statement, challenge,
evidence). At least one proposition.

Challenges:
${{ .tasks.challenge_extraction.challenges }}`

const caseStudyMatchingTemplate = `Match the client challenges below to prior case studies from the
retrieved passages. For each match name the case study, the challenge it
addresses, a relevance between 0 and 1, and a short excerpt. Return an
empty list when nothing fits.

Return JSON with key: matches (objects with case_study, challenge,
relevance, excerpt).

Challenges:
${{ .tasks.challenge_extraction.challenges }}`

const proposalOutlineTemplate = `Assemble a proposal outline from the analysis results below. Produce an
executive summary and ordered sections with bullet points.

Return JSON with keys: executive_summary, sections (objects with heading,
bullets).

RFP summary:
${{ .tasks.rfp_analysis.summary }}

Discovery questions:
${{ .tasks.discovery_questions }}

Value propositions:
${{ .tasks.value_propositions }}

Case-study matches:
${{ .tasks.case_study_matching }}`
