package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func (s *Server) spawnInstance(c *gin.Context) {
	var req v1.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	inst, err := s.deps.Instances.Spawn(c.Request.Context(), req, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) listInstances(c *gin.Context) {
	var (
		instances []*v1.Instance
		err       error
	)
	if workflowID := c.Query("workflow_id"); workflowID != "" {
		instances, err = s.deps.Instances.ListByWorkflow(c.Request.Context(), workflowID, v1.InstanceStatus(c.Query("status")))
	} else {
		instances, err = s.deps.Instances.List(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if instances == nil {
		instances = []*v1.Instance{}
	}
	c.JSON(http.StatusOK, instances)
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.deps.Instances.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) stopInstance(c *gin.Context) {
	if err := s.deps.Instances.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sendToInstance(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.deps.Instances.Send(c.Request.Context(), c.Param("id"), req.Content); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) interruptInstance(c *gin.Context) {
	if err := s.deps.Instances.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "interrupting"})
}

func (s *Server) instanceLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := s.deps.Instances.Logs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*v1.InstanceLog{}
	}
	c.JSON(http.StatusOK, logs)
}
