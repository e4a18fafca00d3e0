package catalog

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
	songs := r.Group("/songs")
	{
		songs.GET("/search", h.search)
		songs.POST("/import", h.importSongs)
		songs.GET("/:id", h.getSong)
	}
}

func (h *Handler) search(c *gin.Context) {
	songs, err := h.service.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if songs == nil {
		songs = []*models.Song{}
	}

	c.JSON(http.StatusOK, songs)
}

func (h *Handler) getSong(c *gin.Context) {
	song, err := h.service.GetSong(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, song)
}

type ImportRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

func (h *Handler) importSongs(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	songs, err := h.service.Import(c.Request.Context(), req.Query, req.Limit)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, songs)
}
