package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"flowchat/internal/events"
	"flowchat/internal/generation"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const pingInterval = 15 * time.Second

type sendMessageRequest struct {
	Content  string `json:"content"`
	ParentID string `json:"parent_id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// sendMessage creates the user message and streams the reply as SSE:
// ack, stream and summary deltas, then done or error.
func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	roomID := c.Param("room_id")

	// subscribe first so no delta of the new run is missed
	sub := h.hub.Subscribe(roomID)
	defer sub.Close()

	res, err := h.orch.SendMessage(ctx, generation.SendRequest{
		RoomID:   roomID,
		ParentID: req.ParentID,
		Text:     req.Content,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if errors.Is(err, generation.ErrEmptyMessage) {
		c.Status(http.StatusNoContent)
		return
	}
	if res == nil {
		writeError(c, err)
		return
	}

	w, ok := openSSE(c)
	if !ok {
		return
	}
	ack := gin.H{"message": res.UserMessage}
	if res.Run != nil {
		ack["assistant_message_id"] = res.Run.MessageID
		ack["run_id"] = res.Run.ID
	}
	if err := w.send("ack", ack); err != nil {
		return
	}
	if err != nil {
		_ = w.send("error", gin.H{"message": err.Error()})
		return
	}
	h.streamRun(ctx, w, sub, res.Run)
}

// streamRun forwards the run's deltas until it ends or the client leaves.
// The run itself keeps going after a disconnect.
func (h *Handler) streamRun(ctx context.Context, w *sseWriter, sub *events.Subscription, run *generation.Run) {
	forward := func(ev events.Event) error {
		if ev.MessageID != run.MessageID {
			return nil
		}
		switch ev.Type {
		case events.MessageContent:
			return w.send("stream", gin.H{"content": deltaOf(ev)})
		case events.MessageSummary:
			return w.send("summary", gin.H{"content": deltaOf(ev)})
		}
		return nil
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := forward(ev); err != nil {
				return
			}
		case <-run.Done():
			// events published before the run ended are already buffered
			for drained := false; !drained; {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						drained = true
						break
					}
					if err := forward(ev); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			h.finishRun(ctx, w, run)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) finishRun(ctx context.Context, w *sseWriter, run *generation.Run) {
	err := run.Err()
	if err != nil && !generation.IsCancellation(err) {
		_ = w.send("error", gin.H{"message": err.Error(), "message_id": run.MessageID})
		return
	}
	payload := gin.H{"outcome": generation.Outcome(err)}
	if msg, ok := h.store.Get(run.MessageID); ok {
		payload["message"] = msg
	}
	if room, err := h.rooms.GetRoom(ctx, run.RoomID); err == nil {
		payload["room"] = room
	}
	_ = w.send("done", payload)
}

func deltaOf(ev events.Event) string {
	if m, ok := ev.Data.(map[string]string); ok {
		return m["delta"]
	}
	return ""
}

// roomEvents streams every hub event of the room until the client leaves.
func (h *Handler) roomEvents(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("room_id")
	if _, err := h.rooms.GetRoom(ctx, roomID); err != nil {
		writeError(c, err)
		return
	}
	sub := h.hub.Subscribe(roomID)
	defer sub.Close()

	w, ok := openSSE(c)
	if !ok {
		return
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.send(string(ev.Type), ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func runPayload(run *generation.Run) gin.H {
	return gin.H{"message_id": run.MessageID, "run_id": run.ID, "kind": run.Kind}
}

func (h *Handler) branch(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Resolve(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	msgs, err := h.store.BranchFor(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) regenerate(c *gin.Context) {
	run, err := h.orch.Regenerate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, runPayload(run))
}

func (h *Handler) summarize(c *gin.Context) {
	run, err := h.orch.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, runPayload(run))
}

func (h *Handler) abort(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Resolve(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.orch.Abort(id)
	c.Status(http.StatusNoContent)
}

type forkRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) fork(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	parent, err := h.store.Resolve(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := h.orch.Fork(ctx, parent.RoomID, parent.ID, req.Provider, req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, runPayload(run))
}

type updateMessageRequest struct {
	ShowSummary *bool `json:"show_summary"`
}

func (h *Handler) updateMessage(c *gin.Context) {
	var req updateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ShowSummary == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "show_summary is required"})
		return
	}
	id := c.Param("id")
	if err := h.orch.SetShowSummary(c.Request.Context(), id, *req.ShowSummary); err != nil {
		writeError(c, err)
		return
	}
	msg, _ := h.store.Get(id)
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	ids, err := h.orch.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ids})
}
