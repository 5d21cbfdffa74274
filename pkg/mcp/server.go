// Package mcp exposes the bidflow engine to agent callers over the Model
// Context Protocol: document ingestion, analysis runs, status polling,
// ad-hoc retrieval, and cancellation.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bidflow/bidflow/internal/chunker"
	"github.com/bidflow/bidflow/internal/ingest"
	"github.com/bidflow/bidflow/internal/retrieval"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// RunEngine is the slice of the executor the tools need.
// Satisfied by engine.Executor.
type RunEngine interface {
	StartRun(ctx context.Context, projectID, documentID string, selected []schema.TaskName) (string, error)
	CancelRun(ctx context.Context, runID string) error
	WaitForRun(ctx context.Context, runID string) error
	GetRunState(ctx context.Context, runID string) (*schema.RunState, error)
}

// Searcher answers ad-hoc retrieval queries. Satisfied by
// retrieval.Retriever.
type Searcher interface {
	Retrieve(ctx context.Context, queryText, projectID string, topK int, opts retrieval.Options) ([]retrieval.ScoredChunk, error)
}

// DocumentIngestor registers documents. Satisfied by ingest.Ingestor.
type DocumentIngestor interface {
	Ingest(ctx context.Context, projectID, name, text string, strategy chunker.Strategy) (*ingest.Result, error)
}

// PayloadChecker validates a tool's option payload against a JSON
// Schema. Satisfied by validation.Validator. A nil checker skips option
// validation.
type PayloadChecker interface {
	ValidatePayload(payload map[string]any, schemaBytes []byte) error
}

// BidflowServerDeps holds the dependencies for creating a BidflowServer.
type BidflowServerDeps struct {
	Engine    RunEngine
	Store     store.Store
	Retriever Searcher
	Ingestor  DocumentIngestor
	Checker   PayloadChecker
	Logger    *slog.Logger
}

// BidflowServer wraps an MCP server with bidflow-specific tool handlers.
type BidflowServer struct {
	engine    RunEngine
	store     store.Store
	retriever Searcher
	ingestor  DocumentIngestor
	checker   PayloadChecker
	sessions  *SessionRegistry
	notifier  RunNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBidflowServer creates a new BidflowServer with all 5 tools registered.
func NewBidflowServer(deps BidflowServerDeps) *BidflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BidflowServer{
		engine:    deps.Engine,
		store:     deps.Store,
		retriever: deps.Retriever,
		ingestor:  deps.Ingestor,
		checker:   deps.Checker,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"bidflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bidflow analyzes RFP documents. Use bidflow.ingest to register a document's extracted text, bidflow.analyze to start the analysis run, bidflow.status to poll progress and read results, bidflow.retrieve for ad-hoc passage search, and bidflow.cancel to stop a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BidflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BidflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *BidflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: ingestTool(), Handler: s.handleIngest},
		{Tool: analyzeTool(), Handler: s.handleAnalyze},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: retrieveTool(), Handler: s.handleRetrieve},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func ingestTool() mcp.Tool {
	return mcp.NewTool("bidflow.ingest",
		mcp.WithDescription("Register a document's extracted text and make it retrievable"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the document belongs to")),
		mcp.WithString("name", mcp.Description("Human-readable document name")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Pre-extracted plain text of the document")),
		mcp.WithString("strategy",
			mcp.Enum("fixed", "semantic", "hierarchical", "adaptive"),
			mcp.Description("Chunking strategy (default: fixed)"),
		),
	)
}

func analyzeTool() mcp.Tool {
	return mcp.NewTool("bidflow.analyze",
		mcp.WithDescription("Start an analysis run over an ingested document; returns the run ID immediately"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the document belongs to")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("ID of the ingested document")),
		mcp.WithString("tasks", mcp.Description("Comma-separated subset of tasks to run (default: all); upstream dependencies are included automatically")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bidflow.status",
		mcp.WithDescription("Get run status (per-task progress, outputs, execution log) or list a project's runs"),
		mcp.WithString("run_id", mcp.Description("ID of the run to query")),
		mcp.WithString("project_id", mcp.Description("List runs for this project instead of querying one run")),
		mcp.WithString("status",
			mcp.Enum("not_started", "running", "completed", "failed"),
			mcp.Description("Restrict the listing to one run status"),
		),
	)
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("bidflow.retrieve",
		mcp.WithDescription("Search the project's ingested documents for relevant passages"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project to search; results never cross projects")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
		mcp.WithObject("options", mcp.Description("Retrieval options (top_k, expand, rerank)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bidflow.cancel",
		mcp.WithDescription("Cancel an in-progress run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}
