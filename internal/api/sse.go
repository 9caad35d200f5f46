package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// sseWriter frames server-sent events on a gin response.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

// openSSE writes the event-stream headers. It answers 500 itself when the
// writer cannot flush.
func openSSE(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) send(event string, payload any) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "encode event")
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// ping writes a comment line to keep idle connections open.
func (w *sseWriter) ping() error {
	if _, err := fmt.Fprint(w.c.Writer, ": ping\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
