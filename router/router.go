package router

import (
	"github.com/gin-gonic/gin"

	"go-tabletop/controller"
	"go-tabletop/ws"
)

func InitRouter(r *gin.Engine, rooms *controller.RoomController, socket *ws.Handler) {
	// 房间接口路由
	api := r.Group("/room")
	{
		api.POST("/create", rooms.CreateRoom)
		api.GET("/list", rooms.GetRoomList)
		api.GET("/:roomCode", rooms.GetRoomInfo)
		api.GET("/:roomCode/state", rooms.GetRoomState)
	}

	r.GET("/health", controller.Health)

	// WebSocket 路由
	r.GET("/ws", socket.HandleWebSocket)
}
