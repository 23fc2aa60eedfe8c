package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"go-tabletop/dto"
	"go-tabletop/repository"
	"go-tabletop/service"
)

type RoomController struct {
	registry *service.Registry
	logger   *zap.Logger
}

func NewRoomController(registry *service.Registry, logger *zap.Logger) *RoomController {
	return &RoomController{registry: registry, logger: logger}
}

func (rc *RoomController) CreateRoom(c *gin.Context) {
	var req dto.CreateRoomRequest
	// body 可以为空
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误"})
		return
	}

	roomCode, err := rc.registry.CreateRoom(c.Request.Context())
	if err != nil {
		rc.logger.Error("create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rc.logger.Info("create room", zap.String("room", roomCode), zap.String("alias", req.Alias))

	c.JSON(http.StatusOK, gin.H{
		"status_code": http.StatusOK,
		"msg":         "房间创建成功",
		"data":        dto.CreateRoomResponse{RoomCode: roomCode},
	})
}

func (rc *RoomController) GetRoomList(c *gin.Context) {
	rooms, err := rc.registry.Rooms(c.Request.Context())
	if err != nil {
		rc.logger.Error("list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "获取房间列表失败"})
		return
	}

	online := 0
	for _, r := range rooms {
		online += r.OnlinePlayer
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "获取成功",
		"status_code": http.StatusOK,
		"data": dto.GetRoomList{
			Rooms:        rooms,
			OnlinePlayer: online,
		},
	})
}

func (rc *RoomController) GetRoomInfo(c *gin.Context) {
	info, err := rc.registry.Room(c.Request.Context(), c.Param("roomCode"))
	if errors.Is(err, repository.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "房间不存在"})
		return
	}
	if err != nil {
		rc.logger.Error("room info", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "获取房间信息失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "获取成功",
		"status_code": http.StatusOK,
		"data":        info,
	})
}

// GetRoomState 返回完整快照，未知房间返回空状态
func (rc *RoomController) GetRoomState(c *gin.Context) {
	state, err := rc.registry.Snapshot(c.Request.Context(), c.Param("roomCode"))
	if err != nil {
		rc.logger.Error("room state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "获取房间状态失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "获取成功",
		"status_code": http.StatusOK,
		"data":        state,
	})
}

func Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
