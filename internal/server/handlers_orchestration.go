package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/orchestration"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// executionStatus is the polling view of an execution: terminal result
// when finished, the event trace either way.
type executionStatus struct {
	ExecutionID string              `json:"execution_id"`
	DesignID    string              `json:"design_id,omitempty"`
	Status      string              `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	Result      *v1.ExecutionResult `json:"result,omitempty"`
	Trace       []v1.ExecutionEvent `json:"trace,omitempty"`
}

// executePattern runs one pattern ad hoc: the block document arrives in
// the request body and the pattern name in the path.
func (s *Server) executePattern(c *gin.Context) {
	pattern := v1.BlockType(c.Param("pattern"))

	var req v1.ExecuteBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.Type != "" && req.Type != pattern {
		respondError(c, apperrors.ValidationError("type", "body type does not match URL pattern"))
		return
	}

	block := &v1.Block{
		ID:                     "adhoc-" + uuid.New().String()[:8],
		Type:                   pattern,
		Agents:                 req.Agents,
		Task:                   req.Task,
		IsolateAgentWorkspaces: req.IsolateAgentWorkspaces,
		GitRepo:                req.GitRepo,
		Rounds:                 req.Rounds,
		Aggregator:             req.Aggregator,
		Manager:                req.Manager,
		Router:                 req.Router,
	}

	exec, err := s.deps.Orchestrator.StartBlock(block, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": exec.ID, "status": "running"})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, ok := s.deps.Orchestrator.Get(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NotFound("execution", c.Param("id")))
		return
	}

	status := executionStatus{
		ExecutionID: exec.ID,
		DesignID:    exec.DesignID,
		Status:      "running",
		StartedAt:   exec.StartedAt,
		Trace:       exec.Hub.Trace(),
	}
	if result := exec.Result(); result != nil {
		status.Status = result.Status
		status.Result = result
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancelExecution(c *gin.Context) {
	if err := s.deps.Orchestrator.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) createDesign(c *gin.Context) {
	var req v1.CreateDesignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	design := &v1.Design{
		Name:        req.Name,
		Description: req.Description,
		Blocks:      req.Blocks,
		Connections: req.Connections,
	}
	if err := orchestration.ValidateDesign(design.Blocks, design.Connections); err != nil {
		respondError(c, err)
		return
	}
	if err := s.deps.Designs.Create(c.Request.Context(), design); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, design)
}

func (s *Server) listDesigns(c *gin.Context) {
	designs, err := s.deps.Designs.List(c.Request.Context(), c.Query("search"))
	if err != nil {
		respondError(c, err)
		return
	}
	if designs == nil {
		designs = []*v1.Design{}
	}
	c.JSON(http.StatusOK, designs)
}

func (s *Server) getDesign(c *gin.Context) {
	design, err := s.deps.Designs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, design)
}

func (s *Server) updateDesign(c *gin.Context) {
	var req v1.UpdateDesignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	design, err := s.deps.Designs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Name != nil {
		design.Name = *req.Name
	}
	if req.Description != nil {
		design.Description = *req.Description
	}
	if req.Blocks != nil {
		design.Blocks = req.Blocks
	}
	if req.Connections != nil {
		design.Connections = req.Connections
	}

	if err := orchestration.ValidateDesign(design.Blocks, design.Connections); err != nil {
		respondError(c, err)
		return
	}
	if err := s.deps.Designs.Update(c.Request.Context(), design); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, design)
}

func (s *Server) deleteDesign(c *gin.Context) {
	if err := s.deps.Designs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// executeDesign runs an inline or persisted design DAG.
func (s *Server) executeDesign(c *gin.Context) {
	var req v1.ExecuteDesignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	s.startDesignExecution(c, req)
}

func (s *Server) executeDesignByID(c *gin.Context) {
	var req v1.ExecuteDesignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	req.DesignID = c.Param("id")
	req.Design = nil
	s.startDesignExecution(c, req)
}

func (s *Server) startDesignExecution(c *gin.Context, req v1.ExecuteDesignRequest) {
	var design *v1.Design
	switch {
	case req.DesignID != "" && req.Design != nil:
		respondError(c, apperrors.ValidationError("design", "provide design_id or an inline design, not both"))
		return
	case req.DesignID != "":
		stored, err := s.deps.Designs.Get(c.Request.Context(), req.DesignID)
		if err != nil {
			respondError(c, err)
			return
		}
		design = stored
	case req.Design != nil:
		design = req.Design
	default:
		respondError(c, apperrors.ValidationError("design", "design_id or an inline design is required"))
		return
	}

	exec, err := s.deps.Orchestrator.StartDesign(design, req.InitialTask, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": exec.ID, "status": "running"})
}
