package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/murdskristians/peercall/internal/signal"
)

const (
	roomKeyPrefix = "room:"
	convKeyPrefix = "conv:"
)

// RoomStore persists room metadata and conversation membership in Redis.
// Rooms expire after the configured TTL so abandoned calls never leak keys.
type RoomStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ signal.RoomStore = (*RoomStore)(nil)
var _ signal.Directory = (*RoomStore)(nil)

// NewRoomStore connects to Redis and verifies the connection.
func NewRoomStore(cfg RedisConfig, ttl time.Duration) (*RoomStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RoomStore{rdb: rdb, ttl: ttl}, nil
}

// Close releases the Redis connection.
func (s *RoomStore) Close() error { return s.rdb.Close() }

// CreateRoom stores a new room for the given conversation and participants.
func (s *RoomStore) CreateRoom(ctx context.Context, conversationID string, participants []string, isGroup bool) (*signal.Room, error) {
	room := &signal.Room{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Participants:   participants,
		IsGroup:        isGroup,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.putRoom(ctx, room); err != nil {
		return nil, err
	}
	metricRoomsCreated.Inc()
	return room, nil
}

// GetRoom fetches a room by ID. A missing or expired room yields (nil, nil).
func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*signal.Room, error) {
	data, err := s.rdb.Get(ctx, roomKeyPrefix+roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	var room signal.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &room, nil
}

// MarkRoomEnded stamps the room's end time. Already-ended and missing rooms
// are both no-ops, so retried hang-ups stay harmless.
func (s *RoomStore) MarkRoomEnded(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil || room.Ended() {
		return nil
	}
	now := time.Now().UTC()
	room.EndedAt = &now
	if err := s.putRoom(ctx, room); err != nil {
		return err
	}
	metricRoomsEnded.Inc()
	return nil
}

// ConversationParticipants returns the stored membership of a conversation.
func (s *RoomStore) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, convKeyPrefix+conversationID).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("conversation %s has no participants", conversationID)
	}
	return members, nil
}

// SetConversationParticipants replaces the membership of a conversation.
func (s *RoomStore) SetConversationParticipants(ctx context.Context, conversationID string, participants []string) error {
	key := convKeyPrefix + conversationID
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, p := range participants {
		pipe.SAdd(ctx, key, p)
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *RoomStore) putRoom(ctx context.Context, room *signal.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	if err := s.rdb.Set(ctx, roomKeyPrefix+room.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}
