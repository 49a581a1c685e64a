package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
	"vocetra/internal/infrastructure/monitoring"
	"vocetra/pkg/validation"
)

// AdminHandler serves the operational HTTP surface: token issuance,
// health, and read-only stats over the worker pool and rooms.
type AdminHandler struct {
	auth   ports.AuthService
	pool   ports.WorkerPool
	rooms  ports.RoomRegistry
	health *monitoring.HealthChecker
}

func NewAdminHandler(auth ports.AuthService, pool ports.WorkerPool, rooms ports.RoomRegistry, health *monitoring.HealthChecker) *AdminHandler {
	return &AdminHandler{auth: auth, pool: pool, rooms: rooms, health: health}
}

func (h *AdminHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)

	api := router.Group("/api/v1")
	{
		api.POST("/token", h.IssueToken)
		api.GET("/stats/workers", h.WorkerStats)
		api.GET("/stats/rooms", h.RoomStats)
		api.GET("/stats/rooms/:name", h.RoomByName)
	}
}

func (h *AdminHandler) Healthz(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

type tokenRequest struct {
	UserName string `json:"userName" binding:"required,min=1,max=64"`
}

func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}
	req.UserName = strings.TrimSpace(req.UserName)
	if err := validation.ValidateUserName(req.UserName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.IssueToken(req.UserName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AdminHandler) WorkerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.pool.Stats()})
}

type roomStats struct {
	Name           string `json:"name"`
	WorkerPid      int    `json:"workerPid"`
	Clients        int    `json:"clients"`
	ActiveSpeakers int    `json:"activeSpeakers"`
}

func (h *AdminHandler) RoomStats(c *gin.Context) {
	rooms := h.rooms.Rooms()
	out := make([]roomStats, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomStats{
			Name:           room.Name(),
			WorkerPid:      room.WorkerPid(),
			Clients:        room.ClientCount(),
			ActiveSpeakers: len(room.ActiveSpeakerList()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *AdminHandler) RoomByName(c *gin.Context) {
	room, err := h.rooms.Get(c.Param("name"))
	if err != nil {
		if err == domain.ErrRoomNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, roomStats{
		Name:           room.Name(),
		WorkerPid:      room.WorkerPid(),
		Clients:        room.ClientCount(),
		ActiveSpeakers: len(room.ActiveSpeakerList()),
	})
}
