package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"luxmap/internal/app"
	"luxmap/internal/utils"
	"luxmap/pkg/agents"
	"luxmap/pkg/config"
	"luxmap/pkg/research"
)

const serverVersion = "1.0.0"

// MCPCmd represents the mcp server command
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the travel planner and research pipeline as MCP tools",
	Long: `Start an MCP server exposing the travel planner and the research pipeline
as tools, over stdio (default) or SSE.

Tools:
- generate_travel_plan: draft or refine a research plan for a trip
- run_travel_research: research an approved plan and return the cited report

Examples:
  luxmap mcp                                  # stdio transport
  luxmap mcp --transport sse --sse-port 9091  # SSE transport`,
	RunE: runMCPServer,
}

func init() {
	MCPCmd.Flags().String("transport", "stdio", "Transport protocol (stdio or sse)")
	MCPCmd.Flags().Int("sse-port", 9091, "Port for SSE transport")

	_ = viper.BindPFlag("mcp_transport", MCPCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("mcp_sse_port", MCPCmd.Flags().Lookup("sse-port"))
}

// ToolServer answers MCP tool calls with the interactive planner. Each call
// runs on a fresh session.
type ToolServer struct {
	planner *research.InteractivePlanner
	logger  utils.ExtendedLogger
}

// NewToolServer creates the tool handlers.
func NewToolServer(planner *research.InteractivePlanner, logger utils.ExtendedLogger) *ToolServer {
	return &ToolServer{planner: planner, logger: logger}
}

// MCPServer registers the tools on a new MCP server.
func (ts *ToolServer) MCPServer() *server.MCPServer {
	s := server.NewMCPServer(
		"LuxMap Travel Research",
		serverVersion,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcptypes.NewTool(
			"generate_travel_plan",
			mcptypes.WithDescription("Draft a travel research plan for a destination or question, or refine current_plan with the request"),
			mcptypes.WithString("request", mcptypes.Required(), mcptypes.Description("The traveller's request or requested change")),
			mcptypes.WithString("current_plan", mcptypes.Description("A plan returned by an earlier call, to refine")),
		),
		ts.handleGeneratePlan,
	)

	s.AddTool(
		mcptypes.NewTool(
			"run_travel_research",
			mcptypes.WithDescription("Research an approved travel plan on the web and return a cited Markdown report"),
			mcptypes.WithString("plan", mcptypes.Required(), mcptypes.Description("The approved research plan")),
		),
		ts.handleRunResearch,
	)

	return s
}

func (ts *ToolServer) newInvocation(userContent string) *agents.Invocation {
	session := agents.NewSession("mcp-" + uuid.NewString())
	return agents.NewInvocation(session, userContent, nil, ts.logger)
}

func (ts *ToolServer) handleGeneratePlan(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	request, err := req.RequireString("request")
	if err != nil || strings.TrimSpace(request) == "" {
		return mcptypes.NewToolResultError("request is required"), nil
	}

	inv := ts.newInvocation(request)
	if current := req.GetString("current_plan", ""); strings.TrimSpace(current) != "" {
		inv.State().Set(research.StateResearchPlan, current)
	}

	ts.logger.Infof("🧭 MCP generate_travel_plan (%d chars)", len(request))
	plan, err := ts.planner.ProposePlan(ctx, inv, request)
	if err != nil {
		ts.logger.Errorf("❌ generate_travel_plan failed: %v", err)
		return mcptypes.NewToolResultError(fmt.Sprintf("failed to generate plan: %v", err)), nil
	}
	return mcptypes.NewToolResultText(plan), nil
}

func (ts *ToolServer) handleRunResearch(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	plan, err := req.RequireString("plan")
	if err != nil || strings.TrimSpace(plan) == "" {
		return mcptypes.NewToolResultError("plan is required"), nil
	}

	inv := ts.newInvocation("")
	ts.logger.Infof("🔬 MCP run_travel_research on session %s", inv.Session.ID)
	if err := ts.planner.ExecutePlan(ctx, inv, plan); err != nil {
		ts.logger.Errorf("❌ run_travel_research failed: %v", err)
		return mcptypes.NewToolResultError(fmt.Sprintf("research failed: %v", err)), nil
	}

	report := research.FinalReport(inv.State())
	if report == "" {
		return mcptypes.NewToolResultError("research finished without a report"), nil
	}
	return mcptypes.NewToolResultText(report), nil
}

func runMCPServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// stdout carries the protocol; logs go to the log file only
	a, err := app.New(ctx, viper.GetViper(), app.Options{Stdout: false, ResolveProject: config.DefaultCredentialsProject})
	if err != nil {
		return err
	}
	defer a.Close()

	s := NewToolServer(a.Planner, a.Logger).MCPServer()

	switch transport := viper.GetString("mcp_transport"); transport {
	case "stdio":
		fmt.Fprintf(os.Stderr, "Starting LuxMap MCP server with stdio transport...\n")
		return server.ServeStdio(s)
	case "sse":
		addr := fmt.Sprintf(":%d", viper.GetInt("mcp_sse_port"))
		fmt.Fprintf(os.Stderr, "Starting LuxMap MCP server with SSE transport on %s...\n", addr)
		return server.NewSSEServer(s).Start(addr)
	default:
		return errors.New("invalid transport " + transport + ": use stdio or sse")
	}
}
