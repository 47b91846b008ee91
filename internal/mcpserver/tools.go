package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/workspace"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	guard := workspace.NewGuard(cfg.TempRoot)

	s.AddTool(
		mcp.NewTool("workspace_list_files",
			mcp.WithDescription(
				"List files and directories inside your isolated execution workspace. "+
					"Pass the workflow_id and workspace_path from your instructions.",
			),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow id from your instructions"),
			),
			mcp.WithString("workspace_path",
				mcp.Required(),
				mcp.Description("The absolute workspace path from your instructions"),
			),
			mcp.WithString("path",
				mcp.Description("Relative path inside the workspace (default: workspace root)"),
			),
		),
		listFilesHandler(guard, log),
	)

	s.AddTool(
		mcp.NewTool("workspace_read_file",
			mcp.WithDescription(
				"Read a file inside your isolated execution workspace. "+
					"Pass the workflow_id and workspace_path from your instructions.",
			),
			mcp.WithString("workflow_id",
				mcp.Required(),
				mcp.Description("The workflow id from your instructions"),
			),
			mcp.WithString("workspace_path",
				mcp.Required(),
				mcp.Description("The absolute workspace path from your instructions"),
			),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path of the file to read"),
			),
		),
		readFileHandler(guard, log),
	)

	s.AddTool(
		mcp.NewTool("execution_status",
			mcp.WithDescription("Get the status and trace of an orchestration execution by id."),
			mcp.WithString("execution_id",
				mcp.Required(),
				mcp.Description("The execution id to look up"),
			),
		),
		executionStatusHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listFilesHandler(guard *workspace.Guard, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workspacePath, err := req.RequireString("workspace_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rel := req.GetString("path", "")

		entries, err := guard.List(workflowID, workspacePath, rel)
		if err != nil {
			log.Warn("workspace list refused",
				zap.String("workspace_path", workspacePath), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		formatted, _ := json.MarshalIndent(entries, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func readFileHandler(guard *workspace.Guard, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workspacePath, err := req.RequireString("workspace_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filePath, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := guard.ReadFile(workflowID, workspacePath, filePath)
		if err != nil {
			log.Warn("workspace read refused",
				zap.String("workspace_path", workspacePath),
				zap.String("path", filePath), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(resp.Content), nil
	}
}

func executionStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/executions/%s", cfg.APIURL, executionID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to fetch execution", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch execution: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("Execution %s not found", executionID)), nil
		}

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
