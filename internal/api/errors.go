package api

import (
	"database/sql"
	"net/http"

	"flowchat/internal/generation"
	"flowchat/internal/memory"
	"flowchat/internal/messages"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// writeError maps domain errors to a status. Busy conditions are notices,
// not errors.
func writeError(c *gin.Context, err error) {
	switch {
	case generation.IsBusy(err):
		c.JSON(http.StatusConflict, gin.H{"notice": err.Error()})
	case generation.IsConfigError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, generation.ErrNotFound),
		errors.Is(err, messages.ErrNotFound),
		errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, generation.ErrEmptyMessage),
		errors.Is(err, generation.ErrNothingToSummarize),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrRoomRequired),
		errors.Is(err, memory.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, memory.ErrNoEmbedder):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
