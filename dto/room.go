package dto

type CreateRoomRequest struct {
	Alias string `json:"alias"`
}

type CreateRoomResponse struct {
	RoomCode string `json:"roomCode"`
}

type RoomInfo struct {
	RoomCode     string `json:"roomCode"`
	Players      int    `json:"players"`
	OnlinePlayer int    `json:"onlinePlayer"`
	Connections  int    `json:"connections"`
	Cards        int    `json:"cards"`
	LastActivity int64  `json:"lastActivity"`
}

type GetRoomList struct {
	Rooms        []RoomInfo `json:"rooms"`
	OnlinePlayer int        `json:"onlinePlayer"`
}
