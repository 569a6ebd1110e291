package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a board presence entry survives without activity.
	DefaultTTL = 300 * time.Second
	// DefaultTypingTTL bounds how long a typing indicator survives without a stop.
	DefaultTypingTTL = 5 * time.Second

	maxWatchRetries = 3
)

var (
	// ErrInvalidArgument indicates a missing board, card or user identifier.
	ErrInvalidArgument = errors.New("presence: invalid argument")
	// ErrNotActive indicates an activity refresh for a user who is not on the board.
	ErrNotActive = errors.New("presence: user is not active on board")
)

// User describes the profile fields recorded when a user joins a board.
type User struct {
	ID     string
	Name   string
	Email  string
	Avatar string
}

// ActiveUser is a user currently present on a board.
type ActiveUser struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Avatar       string    `json:"avatar,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Typing describes a typing-start request.
// BoardID is optional; when present the card is indexed for board statistics.
type Typing struct {
	CardID   string
	BoardID  string
	UserID   string
	UserName string
}

// TypingIndicator is a user currently typing on a card.
type TypingIndicator struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	StartedAt time.Time `json:"startedAt"`
}

// Stats summarises presence on a board.
type Stats struct {
	ActiveUsers int `json:"activeUsers"`
	TypingCards int `json:"typingCards"`
}

// Config describes the dependencies of a Tracker.
type Config struct {
	Client    redis.UniversalClient
	TTL       time.Duration
	TypingTTL time.Duration
	Clock     func() time.Time
}

// Tracker records ephemeral board presence and card typing state in Redis.
// It is safe for concurrent use; all multi-key mutations go through MULTI pipelines.
type Tracker struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	typingTTL time.Duration
	now       func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("presence: redis client required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	typingTTL := cfg.TypingTTL
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{rdb: cfg.Client, ttl: ttl, typingTTL: typingTTL, now: clock}, nil
}

// JoinBoard marks the user as active on the board. Joining again refreshes the
// profile and TTLs but keeps the original join time.
func (t *Tracker) JoinBoard(ctx context.Context, boardID string, user User) error {
	if strings.TrimSpace(boardID) == "" || strings.TrimSpace(user.ID) == "" {
		return ErrInvalidArgument
	}
	nowMs := strconv.FormatInt(t.now().UnixMilli(), 10)
	userKey := boardUserKey(boardID, user.ID)

	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, boardUsersKey(boardID), user.ID)
		pipe.Expire(ctx, boardUsersKey(boardID), t.ttl)
		pipe.HSetNX(ctx, userKey, fieldJoinedAt, nowMs)
		pipe.HSet(ctx, userKey,
			fieldID, user.ID,
			fieldName, user.Name,
			fieldEmail, user.Email,
			fieldAvatar, user.Avatar,
			fieldLastActivity, nowMs,
		)
		pipe.Expire(ctx, userKey, t.ttl)
		pipe.SAdd(ctx, userBoardsKey(user.ID), boardID)
		pipe.Expire(ctx, userBoardsKey(user.ID), t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: join board: %w", err)
	}
	return nil
}

// LeaveBoard removes the user from the board and clears every typing
// indicator attributed to them.
func (t *Tracker) LeaveBoard(ctx context.Context, boardID string, userID string) error {
	if strings.TrimSpace(boardID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidArgument
	}
	typingCards, err := t.rdb.SMembers(ctx, userTypingKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: read typing index: %w", err)
	}

	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, boardUsersKey(boardID), userID)
		pipe.Del(ctx, boardUserKey(boardID, userID))
		pipe.SRem(ctx, userBoardsKey(userID), boardID)
		for _, cardID := range typingCards {
			pipe.HDel(ctx, cardTypingKey(cardID), userID)
		}
		pipe.Del(ctx, userTypingKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: leave board: %w", err)
	}
	return nil
}

// UpdateActivity refreshes the user's last activity and renews the TTLs.
func (t *Tracker) UpdateActivity(ctx context.Context, boardID string, userID string) error {
	if strings.TrimSpace(boardID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidArgument
	}
	userKey := boardUserKey(boardID, userID)
	nowMs := strconv.FormatInt(t.now().UnixMilli(), 10)

	// The hash is watched: a LeaveBoard landing between the check and the
	// MULTI aborts the refresh.
	refresh := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, userKey).Result()
		if err != nil {
			return fmt.Errorf("presence: check activity: %w", err)
		}
		if exists == 0 {
			return ErrNotActive
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userKey, fieldLastActivity, nowMs)
			pipe.Expire(ctx, userKey, t.ttl)
			pipe.SAdd(ctx, boardUsersKey(boardID), userID)
			pipe.Expire(ctx, boardUsersKey(boardID), t.ttl)
			pipe.Expire(ctx, userBoardsKey(userID), t.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := t.rdb.Watch(ctx, refresh, userKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotActive) {
			return fmt.Errorf("presence: update activity: %w", err)
		}
		return err
	}
	return fmt.Errorf("presence: update activity: %w", redis.TxFailedErr)
}

// GetActiveUsers lists users whose presence hash is still alive. Set members
// whose hash already expired are dropped from the set on the way.
func (t *Tracker) GetActiveUsers(ctx context.Context, boardID string) ([]ActiveUser, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, ErrInvalidArgument
	}
	userIDs, err := t.rdb.SMembers(ctx, boardUsersKey(boardID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: read active set: %w", err)
	}
	if len(userIDs) == 0 {
		return []ActiveUser{}, nil
	}

	pipe := t.rdb.Pipeline()
	reads := make([]*redis.MapStringStringCmd, len(userIDs))
	for index, userID := range userIDs {
		reads[index] = pipe.HGetAll(ctx, boardUserKey(boardID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: read active users: %w", err)
	}

	users := make([]ActiveUser, 0, len(userIDs))
	stale := make([]interface{}, 0)
	for index, read := range reads {
		fields := read.Val()
		if len(fields) == 0 {
			stale = append(stale, userIDs[index])
			continue
		}
		users = append(users, ActiveUser{
			UserID:       userIDs[index],
			Name:         fields[fieldName],
			Email:        fields[fieldEmail],
			Avatar:       fields[fieldAvatar],
			JoinedAt:     parseMillis(fields[fieldJoinedAt]),
			LastActivity: parseMillis(fields[fieldLastActivity]),
		})
	}
	if len(stale) > 0 {
		if err := t.rdb.SRem(ctx, boardUsersKey(boardID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("presence: prune active set: %w", err)
		}
	}

	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].UserID < users[j].UserID
	})
	return users, nil
}

// CountActiveUsers returns the number of users GetActiveUsers would list.
func (t *Tracker) CountActiveUsers(ctx context.Context, boardID string) (int, error) {
	users, err := t.GetActiveUsers(ctx, boardID)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

type typingValue struct {
	UserName    string `json:"userName"`
	StartedAtMs int64  `json:"startedAt"`
}

// StartTyping records a typing indicator for the card.
func (t *Tracker) StartTyping(ctx context.Context, typing Typing) error {
	if strings.TrimSpace(typing.CardID) == "" || strings.TrimSpace(typing.UserID) == "" {
		return ErrInvalidArgument
	}
	value, err := json.Marshal(typingValue{UserName: typing.UserName, StartedAtMs: t.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("presence: encode typing: %w", err)
	}

	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, cardTypingKey(typing.CardID), typing.UserID, value)
		pipe.Expire(ctx, cardTypingKey(typing.CardID), t.typingTTL)
		pipe.SAdd(ctx, userTypingKey(typing.UserID), typing.CardID)
		pipe.Expire(ctx, userTypingKey(typing.UserID), t.ttl)
		if typing.BoardID != "" {
			pipe.SAdd(ctx, boardTypingKey(typing.BoardID), typing.CardID)
			pipe.Expire(ctx, boardTypingKey(typing.BoardID), t.typingTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: start typing: %w", err)
	}
	return nil
}

// StopTyping removes the user's typing indicator from the card.
func (t *Tracker) StopTyping(ctx context.Context, cardID string, userID string) error {
	if strings.TrimSpace(cardID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidArgument
	}
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, cardTypingKey(cardID), userID)
		pipe.SRem(ctx, userTypingKey(userID), cardID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: stop typing: %w", err)
	}
	return nil
}

// GetTypingUsers lists indicators younger than the typing TTL and deletes the
// older ones even when no stop was ever received.
func (t *Tracker) GetTypingUsers(ctx context.Context, cardID string) ([]TypingIndicator, error) {
	if strings.TrimSpace(cardID) == "" {
		return nil, ErrInvalidArgument
	}
	entries, err := t.rdb.HGetAll(ctx, cardTypingKey(cardID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: read typing: %w", err)
	}

	now := t.now()
	indicators := make([]TypingIndicator, 0, len(entries))
	expired := make([]string, 0)
	for userID, raw := range entries {
		var value typingValue
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			expired = append(expired, userID)
			continue
		}
		startedAt := time.UnixMilli(value.StartedAtMs).UTC()
		if !now.Before(startedAt.Add(t.typingTTL)) {
			expired = append(expired, userID)
			continue
		}
		indicators = append(indicators, TypingIndicator{UserID: userID, UserName: value.UserName, StartedAt: startedAt})
	}
	if len(expired) > 0 {
		if err := t.rdb.HDel(ctx, cardTypingKey(cardID), expired...).Err(); err != nil {
			return nil, fmt.Errorf("presence: prune typing: %w", err)
		}
	}

	sort.Slice(indicators, func(i, j int) bool {
		return indicators[i].UserID < indicators[j].UserID
	})
	return indicators, nil
}

// CleanupUser leaves every board in the user's reverse index and returns the
// boards that were left. Used when a connection drops.
func (t *Tracker) CleanupUser(ctx context.Context, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	boards, err := t.rdb.SMembers(ctx, userBoardsKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: read board index: %w", err)
	}
	sort.Strings(boards)

	var cleanupErr error
	for _, boardID := range boards {
		if err := t.LeaveBoard(ctx, boardID, userID); err != nil {
			cleanupErr = errors.Join(cleanupErr, err)
		}
	}
	if len(boards) == 0 {
		if err := t.rdb.Del(ctx, userTypingKey(userID)).Err(); err != nil {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("presence: clear typing index: %w", err))
		}
	}
	return boards, cleanupErr
}

// GetStats returns the active user count and the number of cards on the board
// that currently show a typing indicator.
func (t *Tracker) GetStats(ctx context.Context, boardID string) (Stats, error) {
	activeUsers, err := t.CountActiveUsers(ctx, boardID)
	if err != nil {
		return Stats{}, err
	}
	cards, err := t.rdb.SMembers(ctx, boardTypingKey(boardID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("presence: read board typing index: %w", err)
	}

	typingCards := 0
	idle := make([]interface{}, 0)
	for _, cardID := range cards {
		indicators, err := t.GetTypingUsers(ctx, cardID)
		if err != nil {
			return Stats{}, err
		}
		if len(indicators) == 0 {
			idle = append(idle, cardID)
			continue
		}
		typingCards++
	}
	if len(idle) > 0 {
		if err := t.rdb.SRem(ctx, boardTypingKey(boardID), idle...).Err(); err != nil {
			return Stats{}, fmt.Errorf("presence: prune board typing index: %w", err)
		}
	}
	return Stats{ActiveUsers: activeUsers, TypingCards: typingCards}, nil
}

func parseMillis(raw string) time.Time {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
