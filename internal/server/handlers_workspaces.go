package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// admitWorkflow resolves the workflow's execution and checks the caller
// owns it. The guard then binds the requested path to that execution's
// isolated parent.
func (s *Server) admitWorkflow(c *gin.Context, workflowID string) error {
	exec, ok := s.deps.Orchestrator.Get(workflowID)
	if !ok {
		return apperrors.NotFound("workflow", workflowID)
	}
	if exec.UserID != currentUser(c) {
		return apperrors.Forbidden("workflow belongs to another user")
	}
	return nil
}

// browseWorkspace lists a directory inside an isolated execution
// workspace. Admission requires caller ownership of the workflow and a
// path under that execution's isolated parent.
func (s *Server) browseWorkspace(c *gin.Context) {
	var req v1.WorkspaceListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.admitWorkflow(c, req.WorkflowID); err != nil {
		respondError(c, err)
		return
	}

	entries, err := s.deps.Guard.List(req.WorkflowID, req.WorkspacePath, req.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) readWorkspaceFile(c *gin.Context) {
	var req v1.WorkspaceReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.admitWorkflow(c, req.WorkflowID); err != nil {
		respondError(c, err)
		return
	}

	resp, err := s.deps.Guard.ReadFile(req.WorkflowID, req.WorkspacePath, req.FilePath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
