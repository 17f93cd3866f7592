// Package routeutil holds the request parsing and error mapping shared by the
// /v1 route plugins.
package routeutil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// HandleError writes the JSON error response for err.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var notOwner *registrystore.NotOwnerError
	var tooLarge *registryattach.TooLargeError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.Is(err, registryattach.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.Is(err, registryattach.ErrInvalidFilename):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": "filename"})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": "too_large", "error": err.Error()})
	case errors.As(err, &conflict):
		body := gin.H{"code": "conflict", "error": err.Error()}
		if conflict.Code != "" {
			body["reason"] = conflict.Code
		}
		if len(conflict.Details) > 0 {
			body["details"] = conflict.Details
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &notOwner):
		c.JSON(http.StatusForbidden, gin.H{"code": "not_owner", "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "error": "internal server error"})
	}
}

// BadRequest writes a 400 for malformed input that never reached the store.
func BadRequest(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": message, "field": field})
}

// ConversationID parses the :conversationId path parameter. Ids that cannot
// exist answer 404, like unknown ones.
func ConversationID(c *gin.Context) (int64, bool) {
	return pathID(c, "conversationId", "conversation not found")
}

// MessageID parses the :messageId path parameter.
func MessageID(c *gin.Context) (int64, bool) {
	return pathID(c, "messageId", "message not found")
}

func pathID(c *gin.Context, param, notFound string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": notFound})
		return 0, false
	}
	return id, true
}

// QueryInt returns the integer query parameter key, or def when absent or malformed.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
