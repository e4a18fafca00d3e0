package room

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/listening-rooms/pkg/apperr"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rooms := r.Group("/rooms")
	{
		rooms.POST("", h.createRoom)
		rooms.POST("/join", h.joinRoom)
		rooms.GET("/code/:code", h.getRoomByCode)
		rooms.GET("/:id", h.getRoom)
		rooms.POST("/:id/leave", h.leaveRoom)
	}

	r.GET("/users/:id", h.getUser)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

type CreateRoomRequest struct {
	Name     string `json:"name" binding:"required"`
	Username string `json:"username" binding:"required"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, ownerID, err := h.service.CreateRoom(c.Request.Context(), req.Name, req.Username)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": room, "user_id": ownerID})
}

type JoinRoomRequest struct {
	Code     string `json:"code" binding:"required"`
	Username string `json:"username" binding:"required"`
}

func (h *Handler) joinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, userID, err := h.service.JoinByCode(c.Request.Context(), req.Code, req.Username)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": snapshot, "user_id": userID})
}

func (h *Handler) getRoom(c *gin.Context) {
	snapshot, err := h.service.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) getRoomByCode(c *gin.Context) {
	snapshot, err := h.service.GetRoomByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

type LeaveRoomRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) leaveRoom(c *gin.Context) {
	var req LeaveRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deleted, err := h.service.Leave(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "room_deleted": deleted})
}

func (h *Handler) getUser(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, user)
}
