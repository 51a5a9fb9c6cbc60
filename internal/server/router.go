// Package server is a reference shared notes server speaking the same protocol the
// remote client expects. It stores every note it receives as sent.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	jsonContentType          = "application/json; charset=utf-8"
	defaultHeartbeatInterval = 15 * time.Second

	eventNoteChanged = "note-change"
	eventHeartbeat   = "heartbeat"
)

var errMissingNoteStore = errors.New("note store dependency required")

// NoteStore is the storage the server reads and writes.
type NoteStore interface {
	Get(ctx context.Context, title string) (notes.Snapshot, error)
	Watch(ctx context.Context, title string) (<-chan notes.Snapshot, error)
	ApplyRemote(ctx context.Context, note notes.Note) (notes.Note, error)
}

type Dependencies struct {
	Store  NoteStore
	Logger *zap.Logger
	Clock  func() time.Time
	// HeartbeatInterval spaces keep-alive events on change streams. Zero means 15s.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingNoteStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	// Titles may contain an encoded "/", so route on the raw path.
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:     deps.Store,
		logger:    logger,
		clock:     clock,
		heartbeat: heartbeat,
	}

	router.GET("/notes/:title", handler.handleGetNote)
	router.PUT("/notes/:title", handler.handlePutNote)
	router.GET("/notes/:title/events", handler.handleNoteEvents)
	router.GET("/echo/:msg", handler.handleEcho)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	store     NoteStore
	logger    *zap.Logger
	clock     func() time.Time
	heartbeat time.Duration
}

type putNotePayload struct {
	Content   *string `json:"content"`
	UpdatedAt *string `json:"updated_at"`
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	title, ok := h.titleParam(c)
	if !ok {
		return
	}

	snapshot, err := h.store.Get(c.Request.Context(), title)
	if err != nil {
		h.logger.Error("failed to load note", zap.String("title", title), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "load_failed"})
		return
	}
	if !snapshot.Found {
		c.Data(http.StatusNotFound, jsonContentType, []byte(remote.NotFoundBody))
		return
	}
	h.writeNote(c, snapshot.Note)
}

func (h *httpHandler) handlePutNote(c *gin.Context) {
	title, ok := h.titleParam(c)
	if !ok {
		return
	}

	var request putNotePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid_request"})
		return
	}

	updatedAt := h.clock()
	if request.UpdatedAt != nil {
		parsed, err := notes.ParseTimestamp(*request.UpdatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid_request"})
			return
		}
		updatedAt = parsed
	}

	stored, err := h.store.ApplyRemote(c.Request.Context(), notes.Note{
		Title:     title,
		Content:   *request.Content,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		h.logger.Error("failed to store note", zap.String("title", title), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "store_failed"})
		return
	}
	h.writeNote(c, stored)
}

// handleNoteEvents streams the note as server-sent events: the current value first,
// then one event per change, with heartbeats in between.
func (h *httpHandler) handleNoteEvents(c *gin.Context) {
	title, ok := h.titleParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, err := h.store.Watch(ctx, title)
	if err != nil {
		h.logger.Error("failed to watch note", zap.String("title", title), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "watch_failed"})
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snapshot, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(eventNoteChanged, h.eventPayload(snapshot))
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": notes.FormatTimestamp(tick)})
			return true
		}
	})
}

func (h *httpHandler) handleEcho(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": c.Param("msg")})
}

func (h *httpHandler) titleParam(c *gin.Context) (string, bool) {
	title, err := notes.NormalizeTitle(c.Param("title"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid_title"})
		return "", false
	}
	return title, true
}

func (h *httpHandler) writeNote(c *gin.Context, note notes.Note) {
	payload, err := notes.EncodeNoteWithTitle(note)
	if err != nil {
		h.logger.Error("failed to encode note", zap.String("title", note.Title), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "encode_failed"})
		return
	}
	c.Data(http.StatusOK, jsonContentType, payload)
}

func (h *httpHandler) eventPayload(snapshot notes.Snapshot) gin.H {
	if !snapshot.Found {
		return gin.H{"title": snapshot.Title, "found": false}
	}
	return gin.H{
		"title":      snapshot.Title,
		"found":      true,
		"content":    snapshot.Note.Content,
		"updated_at": notes.FormatTimestamp(snapshot.Note.UpdatedAt),
	}
}
