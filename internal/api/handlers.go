package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
}

func New(hub *ws.Hub, database *db.Database) *API {
	return &API{
		hub:      hub,
		database: database,
	}
}

// Router builds the HTTP surface:
//
//	GET    /health
//	GET    /metrics
//	GET    /ws?room={id}&user_id={id}&username={name}
//	GET    /api/stats
//	GET    /api/rooms
//	POST   /api/rooms
//	GET    /api/rooms/:id
//	DELETE /api/rooms/:id
//	GET    /api/rooms/:id/changes
//	GET    /api/rooms/:id/changes/diff?from=X&to=Y[&format=unified]
//	GET    /api/rooms/:id/chat
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), cors())

	r.GET("/health", a.HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(a.hub, c.Writer, c.Request)
	})

	api := r.Group("/api")
	api.GET("/stats", a.StatsHandler)

	rooms := api.Group("/rooms")
	rooms.GET("", a.ListRoomsHandler)
	rooms.POST("", a.CreateRoomHandler)
	rooms.GET("/:id", a.GetRoomHandler)
	rooms.DELETE("/:id", a.DeleteRoomHandler)
	rooms.GET("/:id/changes", a.ListChangesHandler)
	rooms.GET("/:id/changes/diff", a.DiffChangesHandler)
	rooms.GET("/:id/chat", a.ListChatHandler)

	return r
}

func jsonResponse(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func queryInt(c *gin.Context, key string, def, maxVal int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 || n > maxVal {
		return def
	}
	return n
}

func (a *API) HealthHandler(c *gin.Context) {
	jsonResponse(c, http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	stats := gin.H{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(c.Request.Context())
		if err != nil {
			slog.Warn("failed to read database stats", "error", err)
		} else {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_changes"] = dbStats["change_count"]
			stats["total_chat_messages"] = dbStats["chat_count"]
		}
	}

	jsonResponse(c, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	HasCode     bool            `json:"has_code"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ActiveUsers int             `json:"active_users"`
	ChangeCount int             `json:"change_count,omitempty"`
	JoinCount   int             `json:"join_count,omitempty"`
	Live        *LiveState      `json:"live,omitempty"`
	Users       []protocol.User `json:"users,omitempty"`
}

// LiveState is the in-memory view of a room with connected members.
type LiveState struct {
	Phase        string `json:"phase"`
	SyncPaused   bool   `json:"sync_paused"`
	ConflictID   string `json:"conflict_id,omitempty"`
	MainChanger  string `json:"main_changer,omitempty"`
	OtherChanger string `json:"other_changer,omitempty"`
	CodeLength   int    `json:"code_length"`
}

type CreateRoomRequest struct {
	ID   string `json:"id" binding:"required,max=128"`
	Name string `json:"name,omitempty" binding:"max=128"`
}

func toResponse(room db.Room, active int) RoomResponse {
	return RoomResponse{
		ID:          room.ID,
		Name:        room.Name,
		HasCode:     room.HasCode,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ActiveUsers: active,
	}
}

func (a *API) ListRoomsHandler(c *gin.Context) {
	limit := queryInt(c, "limit", 20, 100)
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(c.Request.Context(), limit, offset)
	if err != nil {
		slog.Error("failed to list rooms", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = toResponse(room, activeRooms[room.ID])
	}

	jsonResponse(c, http.StatusOK, gin.H{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Room ID is required")
		return
	}

	ctx := c.Request.Context()
	if err := a.database.CreateRoom(ctx, req.ID, req.Name); err != nil {
		slog.Error("failed to create room", "room_id", req.ID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to create room")
		return
	}

	room, err := a.database.GetRoom(ctx, req.ID)
	if err != nil || room == nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(c, http.StatusCreated, toResponse(*room, 0))
}

func (a *API) GetRoomHandler(c *gin.Context) {
	roomID := c.Param("id")
	ctx := c.Request.Context()

	room, err := a.database.GetRoom(ctx, roomID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get room")
		return
	}

	snap, live := a.hub.RoomSnapshot(roomID)
	if room == nil && !live {
		errorResponse(c, http.StatusNotFound, "Room not found")
		return
	}

	var resp RoomResponse
	if room != nil {
		resp = toResponse(*room, 0)
		resp.ChangeCount, _ = a.database.GetChangeCount(ctx, roomID)
		resp.JoinCount, _ = a.database.CountEvents(ctx, roomID, db.EventJoin)
	} else {
		resp.ID = roomID
	}

	if live {
		resp.Users = a.hub.Users(roomID)
		resp.ActiveUsers = len(resp.Users)
		resp.Live = &LiveState{
			Phase:        snap.Phase,
			SyncPaused:   snap.ConflictID != "",
			ConflictID:   snap.ConflictID,
			MainChanger:  snap.MainChanger,
			OtherChanger: snap.OtherChanger,
			CodeLength:   snap.CodeLength,
		}
	}

	jsonResponse(c, http.StatusOK, resp)
}

func (a *API) DeleteRoomHandler(c *gin.Context) {
	roomID := c.Param("id")

	if a.hub.IsLive(roomID) {
		errorResponse(c, http.StatusConflict, "Room has connected users")
		return
	}

	if err := a.database.DeleteRoom(c.Request.Context(), roomID); err != nil {
		slog.Error("failed to delete room", "room_id", roomID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(c, http.StatusOK, gin.H{"message": "Room deleted"})
}

// History handlers

type ChangeResponse struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	ChangeType string    `json:"change_type"`
	Code       string    `json:"code,omitempty"`
	CodeLength int       `json:"code_length"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListChangesHandler returns a room's recent history, newest first. Code is
// included only with ?include_code=true.
func (a *API) ListChangesHandler(c *gin.Context) {
	roomID := c.Param("id")
	limit := queryInt(c, "limit", 50, 500)
	withCode := c.Query("include_code") == "true"
	ctx := c.Request.Context()

	changes, err := a.database.ListChanges(ctx, roomID, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list changes")
		return
	}

	response := make([]ChangeResponse, len(changes))
	for i, ch := range changes {
		response[i] = ChangeResponse{
			ID:         ch.ID,
			UserID:     ch.UserID,
			ChangeType: ch.ChangeType,
			CodeLength: len(ch.Code),
			CreatedAt:  ch.CreatedAt,
		}
		if withCode {
			response[i].Code = ch.Code
		}
	}

	total, _ := a.database.GetChangeCount(ctx, roomID)

	jsonResponse(c, http.StatusOK, gin.H{
		"changes": response,
		"total":   total,
		"limit":   limit,
	})
}

// DiffChangesHandler computes a line diff between two recorded changes of
// the same room
func (a *API) DiffChangesHandler(c *gin.Context) {
	roomID := c.Param("id")
	ctx := c.Request.Context()

	fromID, err := strconv.ParseInt(c.Query("from"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid 'from' change ID")
		return
	}

	toID, err := strconv.ParseInt(c.Query("to"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid 'to' change ID")
		return
	}

	from, err := a.database.GetChange(ctx, fromID)
	if err != nil || from == nil || from.RoomID != roomID {
		errorResponse(c, http.StatusNotFound, "From change not found")
		return
	}

	to, err := a.database.GetChange(ctx, toID)
	if err != nil || to == nil || to.RoomID != roomID {
		errorResponse(c, http.StatusNotFound, "To change not found")
		return
	}

	lines, err := computeDiff(from.Code, to.Code)
	if err != nil {
		errorResponse(c, http.StatusRequestEntityTooLarge, "Versions are too large to diff")
		return
	}

	if c.Query("format") == "unified" {
		patch, err := unifiedDiff(
			fmt.Sprintf("%s@%d", roomID, from.ID),
			fmt.Sprintf("%s@%d", roomID, to.ID),
			lines,
		)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "Failed to render diff")
			return
		}
		c.Data(http.StatusOK, "text/x-diff; charset=utf-8", patch)
		return
	}

	jsonResponse(c, http.StatusOK, gin.H{
		"from": ChangeResponse{ID: from.ID, UserID: from.UserID, ChangeType: from.ChangeType, CodeLength: len(from.Code), CreatedAt: from.CreatedAt},
		"to":   ChangeResponse{ID: to.ID, UserID: to.UserID, ChangeType: to.ChangeType, CodeLength: len(to.Code), CreatedAt: to.CreatedAt},
		"diff": lines,
	})
}

func (a *API) ListChatHandler(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 500)

	msgs, err := a.database.ListChatMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list chat messages")
		return
	}
	if msgs == nil {
		msgs = []db.ChatMessage{}
	}

	jsonResponse(c, http.StatusOK, gin.H{"messages": msgs})
}
