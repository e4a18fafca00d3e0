package queue

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rooms := r.Group("/rooms/:id")
	{
		rooms.POST("/queue", h.enqueue)
		rooms.GET("/queue", h.list)
		rooms.PUT("/queue/order", h.reorder)
		rooms.POST("/queue/advance", h.advance)
		rooms.GET("/now-playing", h.nowPlaying)
	}

	entries := r.Group("/queue/:entryId")
	{
		entries.DELETE("", h.remove)
		entries.POST("/vote", h.vote)
		entries.DELETE("/vote", h.unvote)
		entries.POST("/play", h.play)
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

type EnqueueRequest struct {
	SongID string `json:"song_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), c.Param("id"), req.SongID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (h *Handler) list(c *gin.Context) {
	queue, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if queue == nil {
		queue = []*models.QueueItem{}
	}

	c.JSON(http.StatusOK, queue)
}

func (h *Handler) nowPlaying(c *gin.Context) {
	item, err := h.service.CurrentlyPlaying(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no songs in queue"})
		return
	}

	c.JSON(http.StatusOK, item)
}

type ReorderRequest struct {
	EntryIDs []string `json:"entry_ids" binding:"required"`
}

func (h *Handler) reorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	queue, err := h.service.Reorder(c.Request.Context(), c.Param("id"), req.EntryIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, queue)
}

func (h *Handler) advance(c *gin.Context) {
	next, err := h.service.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"now_playing": next})
}

type VoteRequest struct {
	UserID    string               `json:"user_id" binding:"required"`
	Direction models.VoteDirection `json:"direction" binding:"required,oneof=up down"`
}

func (h *Handler) vote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vote, item, err := h.service.Vote(c.Request.Context(), c.Param("entryId"), req.UserID, req.Direction)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"vote": vote, "entry": item})
}

func (h *Handler) unvote(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	existed, err := h.service.Unvote(c.Request.Context(), c.Param("entryId"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": existed})
}

func (h *Handler) remove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Param("entryId")); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) play(c *gin.Context) {
	item, err := h.service.Play(c.Request.Context(), c.Param("entryId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}
