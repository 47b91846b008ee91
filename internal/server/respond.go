package server

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError maps an application error to its HTTP status.
func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), errorBody{
		Error: err.Error(),
		Code:  apperrors.CodeOf(err),
	})
}
