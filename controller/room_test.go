package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"go-tabletop/repository"
	"go-tabletop/service"
)

type envelope struct {
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data"`
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	rc := NewRoomController(service.NewRegistry(repository.NewMemoryStore(), logger), logger)

	r := gin.New()
	r.POST("/room/create", rc.CreateRoom)
	r.GET("/room/list", rc.GetRoomList)
	r.GET("/room/:roomCode", rc.GetRoomInfo)
	r.GET("/room/:roomCode/state", rc.GetRoomState)
	r.GET("/health", Health)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateListAndInfo(t *testing.T) {
	r := newTestEngine(t)

	w := do(r, http.MethodPost, "/room/create", `{"alias":"Ann"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var created struct {
		RoomCode string `json:"roomCode"`
	}
	_ = json.Unmarshal(env.Data, &created)
	if len(created.RoomCode) != 8 {
		t.Fatalf("roomCode = %q", created.RoomCode)
	}

	w = do(r, http.MethodGet, "/room/list", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), created.RoomCode) {
		t.Fatalf("list = %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodGet, "/room/"+created.RoomCode, "")
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d", w.Code)
	}
}

func TestCreateWithoutBody(t *testing.T) {
	r := newTestEngine(t)
	if w := do(r, http.MethodPost, "/room/create", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if w := do(r, http.MethodPost, "/room/create", "{broken"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUnknownRoom(t *testing.T) {
	r := newTestEngine(t)
	if w := do(r, http.MethodGet, "/room/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("info status = %d", w.Code)
	}

	w := do(r, http.MethodGet, "/room/nope/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d", w.Code)
	}
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	var state struct {
		Cards       map[string]json.RawMessage `json:"cards"`
		DiscardPile []string                   `json:"discardPile"`
	}
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Cards == nil || len(state.Cards) != 0 || state.DiscardPile == nil {
		t.Fatalf("state = %s", env.Data)
	}

	// 查询未知房间不会创建它
	w = do(r, http.MethodGet, "/room/list", "")
	if strings.Contains(w.Body.String(), "nope") {
		t.Fatalf("unknown room was created: %s", w.Body)
	}
}

func TestHealth(t *testing.T) {
	w := do(newTestEngine(t), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("health = %d %q", w.Code, w.Body)
	}
}

func TestCreateLogsCreatorAlias(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	rc := NewRoomController(service.NewRegistry(repository.NewMemoryStore(), logger), logger)
	r := gin.New()
	r.POST("/room/create", rc.CreateRoom)

	if w := do(r, http.MethodPost, "/room/create", `{"alias":"Ann"}`); w.Code != http.StatusOK {
		t.Fatalf("create status = %d", w.Code)
	}
	entries := logs.FilterMessage("create room").All()
	if len(entries) != 1 {
		t.Fatalf("create room logs = %d", len(entries))
	}
	if fields := entries[0].ContextMap(); fields["alias"] != "Ann" || fields["room"] == "" {
		t.Fatalf("fields = %v", fields)
	}
}
