package api

import (
	"context"
	"net/http"
	"strings"

	"flowchat/internal/auth"
	"flowchat/internal/events"
	"flowchat/internal/generation"
	"flowchat/internal/memory"
	"flowchat/internal/messages"
	"flowchat/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRoomName    = "Default Chat"
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Rooms is the persistence needed for rooms, templates and content search.
type Rooms interface {
	CreateRoom(ctx context.Context, name, templateID, defaultModel string) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]*models.Room, error)
	RenameRoom(ctx context.Context, id, name string) error
	SetRoomDefaultModel(ctx context.Context, id, model string) error
	DeleteRoom(ctx context.Context, id string) error
	CreateTemplate(ctx context.Context, name, systemPrompt string) (*models.Template, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	SearchByContent(ctx context.Context, keyword, roomID string) ([]*models.Message, error)
}

type Deps struct {
	Rooms        Rooms
	Store        *messages.Store
	Orchestrator *generation.Orchestrator
	Memory       *memory.Engine
	Hub          *events.Hub
	APIToken     string
}

// Handler wires HTTP routes to the orchestrator, message store and memory engine.
type Handler struct {
	rooms    Rooms
	store    *messages.Store
	orch     *generation.Orchestrator
	memory   *memory.Engine
	hub      *events.Hub
	apiToken string
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		rooms:    d.Rooms,
		store:    d.Store,
		orch:     d.Orchestrator,
		memory:   d.Memory,
		hub:      d.Hub,
		apiToken: d.APIToken,
	}
}

// NewRouter builds a gin engine with logging, recovery and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(auth.Middleware(h.apiToken))

	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)
	api.PATCH("/rooms/:room_id", h.updateRoom)
	api.DELETE("/rooms/:room_id", h.deleteRoom)
	api.GET("/rooms/:room_id/messages", h.roomMessages)
	api.POST("/rooms/:room_id/messages", h.sendMessage)
	api.GET("/rooms/:room_id/events", h.roomEvents)
	api.GET("/rooms/:room_id/memories", h.roomMemories)

	api.GET("/templates", h.listTemplates)
	api.POST("/templates", h.createTemplate)

	api.GET("/messages/:id/branch", h.branch)
	api.POST("/messages/:id/regenerate", h.regenerate)
	api.POST("/messages/:id/summarize", h.summarize)
	api.POST("/messages/:id/abort", h.abort)
	api.POST("/messages/:id/fork", h.fork)
	api.PATCH("/messages/:id", h.updateMessage)
	api.DELETE("/messages/:id", h.deleteMessage)

	api.GET("/memories", h.listMemories)
	api.POST("/memories", h.createMemory)
	api.DELETE("/memories/:id", h.deleteMemory)

	api.POST("/search", h.search)
}

// ---- rooms ----

type createRoomRequest struct {
	Name         string `json:"name"`
	TemplateID   string `json:"template_id"`
	DefaultModel string `json:"default_model"`
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if rooms == nil {
		rooms = []*models.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultRoomName
	}
	if req.TemplateID != "" {
		if _, err := h.rooms.GetTemplate(c.Request.Context(), req.TemplateID); err != nil {
			writeError(c, err)
			return
		}
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), name, req.TemplateID, strings.TrimSpace(req.DefaultModel))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

type updateRoomRequest struct {
	Name         *string `json:"name"`
	DefaultModel *string `json:"default_model"`
}

func (h *Handler) updateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("room_id")
	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, err := h.rooms.GetRoom(ctx, roomID); err != nil {
		writeError(c, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
			return
		}
		if err := h.rooms.RenameRoom(ctx, roomID, name); err != nil {
			writeError(c, err)
			return
		}
		h.hub.Publish(events.Event{Type: events.RoomRenamed, RoomID: roomID, Data: map[string]string{"name": name}})
	}
	if req.DefaultModel != nil {
		if err := h.rooms.SetRoomDefaultModel(ctx, roomID, strings.TrimSpace(*req.DefaultModel)); err != nil {
			writeError(c, err)
			return
		}
	}
	room, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) deleteRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := h.rooms.DeleteRoom(c.Request.Context(), roomID); err != nil {
		writeError(c, err)
		return
	}
	h.orch.ForgetRoom(roomID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) roomMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("room_id")
	if _, err := h.rooms.GetRoom(ctx, roomID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.LoadRoom(ctx, roomID); err != nil {
		writeError(c, err)
		return
	}
	msgs := h.store.Messages(roomID)
	generating := make([]string, 0)
	for _, m := range msgs {
		if h.store.IsGenerating(m.ID) {
			generating = append(generating, m.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "generating": generating})
}

func (h *Handler) roomMemories(c *gin.Context) {
	mems, err := h.memory.Recall(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if mems == nil {
		mems = []*models.Memory{}
	}
	c.JSON(http.StatusOK, gin.H{"memories": mems})
}

// ---- templates ----

type createTemplateRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) listTemplates(c *gin.Context) {
	tpls, err := h.rooms.ListTemplates(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if tpls == nil {
		tpls = []*models.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": tpls})
}

func (h *Handler) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.SystemPrompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and system_prompt are required"})
		return
	}
	tpl, err := h.rooms.CreateTemplate(c.Request.Context(), name, req.SystemPrompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// ---- memories ----

type createMemoryRequest struct {
	Content string   `json:"content"`
	Scope   string   `json:"scope"`
	RoomID  string   `json:"room_id"`
	Tags    []string `json:"tags"`
}

func (h *Handler) listMemories(c *gin.Context) {
	mems, err := h.memory.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if mems == nil {
		mems = []*models.Memory{}
	}
	c.JSON(http.StatusOK, gin.H{"memories": mems})
}

func (h *Handler) createMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mem, err := h.memory.Upsert(c.Request.Context(), req.Content, models.MemoryScope(req.Scope), req.RoomID, req.Tags)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mem)
}

func (h *Handler) deleteMemory(c *gin.Context) {
	if err := h.memory.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- search ----

type searchRequest struct {
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
	Keyword string `json:"keyword"`
	RoomID  string `json:"room_id"`
}

// search ranks messages by embedding similarity when query is set, and
// falls back to a keyword match otherwise.
func (h *Handler) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	switch {
	case strings.TrimSpace(req.Query) != "":
		limit := req.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		results, err := h.memory.SearchText(ctx, req.Query, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		if results == nil {
			results = []models.ScoredMessage{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	case strings.TrimSpace(req.Keyword) != "":
		msgs, err := h.rooms.SearchByContent(ctx, strings.TrimSpace(req.Keyword), req.RoomID)
		if err != nil {
			writeError(c, err)
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "query or keyword is required"})
	}
}
