package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bidflow/bidflow/internal/chunker"
	"github.com/bidflow/bidflow/internal/retrieval"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// handleIngest registers a document's extracted text.
func (s *BidflowServer) handleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	name := req.GetString("name", "document")
	strategy := chunker.Strategy(req.GetString("strategy", ""))

	res, ingestErr := s.ingestor.Ingest(ctx, projectID, name, text, strategy)
	if ingestErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ingest failed: %v", ingestErr)), nil
	}

	return marshalResult(map[string]any{
		"document_id": res.Document.ID,
		"project_id":  res.Document.ProjectID,
		"strategy":    string(res.Strategy),
		"chunks":      res.Chunks,
		"embedded":    res.Embedded,
		"tokens":      res.Document.TokenCount,
	})
}

// handleAnalyze starts an analysis run and returns immediately; callers
// poll bidflow.status or wait for the completion notification.
func (s *BidflowServer) handleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	documentID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError("document_id is required"), nil
	}
	selected := parseTaskList(req.GetString("tasks", ""))

	runID, startErr := s.engine.StartRun(ctx, projectID, documentID, selected)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start run failed: %v", startErr)), nil
	}

	s.captureSession(ctx, runID)
	go s.watchRun(runID)

	return marshalResult(map[string]any{
		"run_id":      runID,
		"project_id":  projectID,
		"document_id": documentID,
		"status":      string(schema.RunStatusRunning),
	})
}

// watchRun notifies the originating session when the run finishes.
func (s *BidflowServer) watchRun(runID string) {
	ctx := context.Background()
	if err := s.engine.WaitForRun(ctx, runID); err != nil {
		return
	}

	state, err := s.engine.GetRunState(ctx, runID)
	if err != nil {
		s.logger.Warn("run state lookup for notification failed",
			"run_id", runID, "error", err.Error())
		s.sessions.Forget(runID)
		return
	}

	if err := s.notifier.Notify(ctx, runID, map[string]any{
		"run_id": runID,
		"status": string(state.Status),
	}); err != nil {
		s.logger.Warn("run notification failed", "run_id", runID, "error", err.Error())
	}
}

// handleStatus returns the state of one run, or lists a project's runs
// when no run ID is given.
func (s *BidflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID != "" {
		state, stateErr := s.engine.GetRunState(ctx, runID)
		if stateErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", stateErr)), nil
		}
		return marshalResult(state)
	}

	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("run_id or project_id is required"), nil
	}

	filter := store.RunFilter{ProjectID: projectID}
	if raw := req.GetString("status", ""); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}

	runs, listErr := s.store.ListRuns(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", listErr)), nil
	}

	summaries := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, map[string]any{
			"run_id":       run.ID,
			"document_id":  run.DocumentID,
			"status":       string(run.Status),
			"current_task": run.CurrentTask,
			"created_at":   run.CreatedAt,
		})
	}
	return marshalResult(map[string]any{"project_id": projectID, "runs": summaries})
}

// retrieveOptionsSchema is what a bidflow.retrieve options object may
// carry. Unknown keys are rejected so a mistyped option fails loudly
// instead of silently falling back to defaults.
const retrieveOptionsSchema = `{
	"type": "object",
	"properties": {
		"top_k": {"type": ["integer", "string"]},
		"expand": {"type": ["boolean", "string"]},
		"rerank": {"type": ["boolean", "string"]}
	},
	"additionalProperties": false
}`

// handleRetrieve answers an ad-hoc passage search within one project.
func (s *BidflowServer) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}
	options := mcp.ParseStringMap(req, "options", nil)
	if s.checker != nil && len(options) > 0 {
		if verr := s.checker.ValidatePayload(options, []byte(retrieveOptionsSchema)); verr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid options: %v", verr)), nil
		}
	}

	topK := extractInt(options, "top_k", 5)
	opts := retrieval.Options{
		UseQueryExpansion: extractBool(options, "expand"),
		UseReranking:      extractBool(options, "rerank"),
	}

	results, retErr := s.retriever.Retrieve(ctx, query, projectID, topK, opts)
	if retErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieval failed: %v", retErr)), nil
	}

	passages := make([]map[string]any, 0, len(results))
	for _, r := range results {
		passages = append(passages, map[string]any{
			"chunk_id":       r.Chunk.ID,
			"document_id":    r.Chunk.DocumentID,
			"ordinal":        r.Chunk.Ordinal,
			"text":           r.Chunk.Text,
			"score":          r.Score,
			"lexical_score":  r.LexicalScore,
			"semantic_score": r.SemanticScore,
		})
	}

	return marshalResult(map[string]any{
		"project_id": projectID,
		"query":      query,
		"passages":   passages,
	})
}

// handleCancel cancels an in-progress run.
func (s *BidflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.engine.CancelRun(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}

// parseTaskList splits a comma-separated task selection.
func parseTaskList(raw string) []schema.TaskName {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []schema.TaskName
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name != "" {
			out = append(out, schema.TaskName(name))
		}
	}
	return out
}

// extractInt safely extracts an integer from an options map.
func extractInt(options map[string]any, key string, defaultVal int) int {
	if options == nil {
		return defaultVal
	}
	v, ok := options[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractBool safely extracts a boolean from an options map.
func extractBool(options map[string]any, key string) bool {
	if options == nil {
		return false
	}
	switch val := options[key].(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}

// captureSession maps the run ID to its originating MCP session for the
// completion notification.
func (s *BidflowServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
