// redis.go
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"

	"go-tabletop/entities"
)

const roomSetKey = "rooms"

func cardsKey(roomCode string) string   { return fmt.Sprintf("room:%s:cards", roomCode) }
func discardKey(roomCode string) string { return fmt.Sprintf("room:%s:discard", roomCode) }
func playersKey(roomCode string) string { return fmt.Sprintf("room:%s:players", roomCode) }
func metaKey(roomCode string) string    { return fmt.Sprintf("room:%s:meta", roomCode) }

func roomKeys(roomCode string) []string {
	return []string{cardsKey(roomCode), discardKey(roomCode), playersKey(roomCode), metaKey(roomCode)}
}

// NewRedisClient 连接 Redis 并做一次 Ping
func NewRedisClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisStore keeps each room in four keys. With a non-zero ttl the keys expire
// on their own if the process dies before the sweeper deletes the room.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

type roomMeta struct {
	RoomCode     string `json:"roomCode"`
	LastActivity int64  `json:"lastActivity"`
}

func (r *RedisStore) Load(ctx context.Context, roomCode string) (*entities.RoomState, error) {
	pipe := r.rdb.Pipeline()
	metaCmd := pipe.HGetAll(ctx, metaKey(roomCode))
	cardsCmd := pipe.HGetAll(ctx, cardsKey(roomCode))
	discardCmd := pipe.LRange(ctx, discardKey(roomCode), 0, -1)
	playersCmd := pipe.HGetAll(ctx, playersKey(roomCode))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load room %s: %w", roomCode, err)
	}

	metaMap := metaCmd.Val()
	if len(metaMap) == 0 {
		// 元数据已过期，顺手清掉索引
		r.rdb.SRem(ctx, roomSetKey, roomCode)
		return nil, ErrRoomNotFound
	}
	var meta roomMeta
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &meta,
		TagName:          "json",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(metaMap); err != nil {
		return nil, fmt.Errorf("decode room %s meta: %w", roomCode, err)
	}

	state := entities.NewRoomState(roomCode, time.UnixMilli(meta.LastActivity))
	for id, raw := range cardsCmd.Val() {
		var c entities.Card
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode card %s: %w", id, err)
		}
		state.Cards[id] = c
	}
	state.DiscardPile = append(state.DiscardPile, discardCmd.Val()...)
	for id, raw := range playersCmd.Val() {
		var p entities.Player
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode player %s: %w", id, err)
		}
		state.Players[id] = p
	}
	state.RecountHands()
	return state, nil
}

func (r *RedisStore) Save(ctx context.Context, state *entities.RoomState) error {
	cards := make(map[string]interface{}, len(state.Cards))
	for id, c := range state.Cards {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode card %s: %w", id, err)
		}
		cards[id] = raw
	}
	players := make(map[string]interface{}, len(state.Players))
	for id, p := range state.Players {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode player %s: %w", id, err)
		}
		players[id] = raw
	}
	discard := make([]interface{}, 0, len(state.DiscardPile))
	for _, id := range state.DiscardPile {
		discard = append(discard, id)
	}

	code := state.RoomCode
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cardsKey(code), discardKey(code), playersKey(code))
		if len(cards) > 0 {
			pipe.HSet(ctx, cardsKey(code), cards)
		}
		if len(discard) > 0 {
			pipe.RPush(ctx, discardKey(code), discard...)
		}
		if len(players) > 0 {
			pipe.HSet(ctx, playersKey(code), players)
		}
		pipe.HSet(ctx, metaKey(code), map[string]interface{}{
			"roomCode":     code,
			"lastActivity": state.LastActivity,
		})
		pipe.SAdd(ctx, roomSetKey, code)
		if r.ttl > 0 {
			for _, key := range roomKeys(code) {
				pipe.Expire(ctx, key, r.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save room %s: %w", code, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, roomCode string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKeys(roomCode)...)
		pipe.SRem(ctx, roomSetKey, roomCode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomCode, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	codes, err := r.rdb.SMembers(ctx, roomSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(codes)
	return codes, nil
}

func (r *RedisStore) KeepAlive(ctx context.Context, roomCode string) error {
	if r.ttl <= 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range roomKeys(roomCode) {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("keep room %s alive: %w", roomCode, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
