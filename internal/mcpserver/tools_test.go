package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/workspace"
)

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// isolatedWorkspace lays out tempRoot/orchestration_isolated_x/agent with
// one file, returning the agent workspace path.
func isolatedWorkspace(t *testing.T) (tempRoot, agentPath string) {
	t.Helper()
	tempRoot = t.TempDir()
	agentPath = filepath.Join(tempRoot, workspace.IsolatedParentPrefix+"exec1", "researcher")
	require.NoError(t, os.MkdirAll(agentPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentPath, "notes.md"), []byte("findings"), 0o644))
	return tempRoot, agentPath
}

func TestListFilesTool(t *testing.T) {
	tempRoot, agentPath := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)
	handler := listFilesHandler(guard, logger.Default())

	result, err := handler(context.Background(), toolRequest(map[string]any{
		"workflow_id":    "exec1",
		"workspace_path": agentPath,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "notes.md")
}

func TestListFilesToolRefusesOutsidePath(t *testing.T) {
	tempRoot, _ := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)
	handler := listFilesHandler(guard, logger.Default())

	result, err := handler(context.Background(), toolRequest(map[string]any{
		"workflow_id":    "exec1",
		"workspace_path": "/etc",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListFilesToolRefusesOtherWorkflow(t *testing.T) {
	tempRoot, agentPath := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)
	handler := listFilesHandler(guard, logger.Default())

	// The path exists under the isolated prefix, but belongs to exec1.
	result, err := handler(context.Background(), toolRequest(map[string]any{
		"workflow_id":    "exec2",
		"workspace_path": agentPath,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestReadFileTool(t *testing.T) {
	tempRoot, agentPath := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)
	handler := readFileHandler(guard, logger.Default())

	result, err := handler(context.Background(), toolRequest(map[string]any{
		"workflow_id":    "exec1",
		"workspace_path": agentPath,
		"path":           "notes.md",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "findings", result.Content[0].(mcp.TextContent).Text)
}

func TestReadFileToolRefusesTraversal(t *testing.T) {
	tempRoot, agentPath := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)
	handler := readFileHandler(guard, logger.Default())

	result, err := handler(context.Background(), toolRequest(map[string]any{
		"workflow_id":    "exec1",
		"workspace_path": agentPath,
		"path":           "../../../etc/passwd",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolsRequireArguments(t *testing.T) {
	tempRoot, _ := isolatedWorkspace(t)
	guard := workspace.NewGuard(tempRoot)

	result, err := listFilesHandler(guard, logger.Default())(context.Background(), toolRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = readFileHandler(guard, logger.Default())(context.Background(), toolRequest(map[string]any{
		"workflow_id": "exec1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
