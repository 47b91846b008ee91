package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

func (s *Server) setAPIKey(c *gin.Context) {
	var req v1.SetAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.deps.Credentials.SetAPIKey(c.Request.Context(), c.Param("user_id"), req.APIKey, req.Default); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) deleteAPIKey(c *gin.Context) {
	if err := s.deps.Credentials.DeleteAPIKey(c.Request.Context(), c.Param("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProfiles(c *gin.Context) {
	profiles, err := s.deps.Credentials.ListProfiles(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if profiles == nil {
		profiles = []*v1.CredentialProfile{}
	}
	c.JSON(http.StatusOK, profiles)
}

func (s *Server) saveProfile(c *gin.Context) {
	var req v1.SaveProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	profile, err := s.deps.Credentials.SaveProfile(c.Request.Context(), c.Param("user_id"), req.Name, []byte(req.Blob))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func (s *Server) selectProfile(c *gin.Context) {
	var req v1.SelectProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.deps.Credentials.SelectProfile(c.Request.Context(), c.Param("user_id"), req.ProfileID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "selected"})
}

func (s *Server) deleteProfile(c *gin.Context) {
	if err := s.deps.Credentials.DeleteProfile(c.Request.Context(), c.Param("user_id"), c.Param("profile_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addSSHKey(c *gin.Context) {
	var req v1.AddSSHKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	key, err := s.deps.SSHKeys.Add(c.Request.Context(), c.Param("user_id"), req.Name, req.PrivateKey, req.PublicKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (s *Server) listSSHKeys(c *gin.Context) {
	keys, err := s.deps.SSHKeys.List(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if keys == nil {
		keys = []*v1.SSHKey{}
	}
	c.JSON(http.StatusOK, keys)
}

func (s *Server) deleteSSHKey(c *gin.Context) {
	if err := s.deps.SSHKeys.Delete(c.Request.Context(), c.Param("user_id"), c.Param("key_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
