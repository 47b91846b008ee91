package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func (s *Server) createDeployment(c *gin.Context) {
	var req v1.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	dep, err := s.deps.Deployments.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) listDeployments(c *gin.Context) {
	deps, err := s.deps.Deployments.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if deps == nil {
		deps = []*v1.Deployment{}
	}
	c.JSON(http.StatusOK, deps)
}

func (s *Server) getDeployment(c *gin.Context) {
	dep, err := s.deps.Deployments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) updateDeployment(c *gin.Context) {
	var req v1.UpdateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	dep, err := s.deps.Deployments.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) deleteDeployment(c *gin.Context) {
	if err := s.deps.Deployments.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// executeDeployment triggers a deployment manually and waits for the run.
func (s *Server) executeDeployment(c *gin.Context) {
	var req v1.ExecuteDeploymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.BadRequest(err.Error()))
			return
		}
	}
	result, logEntry, err := s.deps.Deployments.Execute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "log_id": logEntry.ID})
}

// dispatchDeployed resolves the wildcard path against registered endpoint
// paths and runs the deployment behind it synchronously.
func (s *Server) dispatchDeployed(c *gin.Context) {
	var req v1.ExecuteDeploymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.BadRequest(err.Error()))
			return
		}
	}

	result, logEntry, err := s.deps.Deployments.Dispatch(c.Request.Context(), c.Param("path"), req.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "log_id": logEntry.ID})
}

func (s *Server) deploymentLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := s.deps.Deployments.Logs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*v1.ExecutionLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) deploymentStats(c *gin.Context) {
	stats, err := s.deps.Deployments.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
