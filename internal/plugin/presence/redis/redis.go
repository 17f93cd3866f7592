package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/messenger-service/internal/config"
	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 90 * time.Second

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrypresence.Registry, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis presence: MESSENGER_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.PresenceTTL)
}

// LoadFromURL creates a Registry from a Redis URL. Connections that are not
// refreshed within ttl are treated as gone.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*Registry, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis presence: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis presence: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{client: client, ttl: ttl}, nil
}

// Registry shares presence between instances. Each connection is a hash
// {user, room} with a TTL; each user has a sorted set of connection ids scored
// by expiry so a crashed instance's connections age out.
type Registry struct {
	client *goredis.Client
	ttl    time.Duration
}

const userKeyPrefix = "presence:user:"

func connKey(connectionID string) string { return "presence:conn:" + connectionID }
func userKey(userID string) string       { return userKeyPrefix + userID }

// The scripts below return -1 when the connection hash is gone so a late
// room change or heartbeat never resurrects a disconnected connection.

// joinIfConnected sets the active room of a live connection.
var joinIfConnected = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'user') == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'room', ARGV[1])
return 1
`)

// leaveIfActive clears the room field only when it still names the room being left.
var leaveIfActive = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'user') == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'room') == ARGV[1] then
	return redis.call('HDEL', KEYS[1], 'room')
end
return 0
`)

// refreshIfConnected extends the TTL of a live connection and its user set.
// ARGV: user key prefix, connection ttl ms, expiry score, connection id, user set ttl ms.
var refreshIfConnected = goredis.NewScript(`
local user = redis.call('HGET', KEYS[1], 'user')
if not user then
	return -1
end
local userKey = ARGV[1] .. user
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', userKey, ARGV[3], ARGV[4])
redis.call('PEXPIRE', userKey, ARGV[5])
return 1
`)

func (r *Registry) expiry() float64 {
	return float64(time.Now().Add(r.ttl).UnixMilli())
}

func (r *Registry) Connect(ctx context.Context, userID string, connectionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, connKey(connectionID))
	pipe.HSet(ctx, connKey(connectionID), "user", userID)
	pipe.Expire(ctx, connKey(connectionID), r.ttl)
	pipe.ZAdd(ctx, userKey(userID), goredis.Z{Score: r.expiry(), Member: connectionID})
	pipe.Expire(ctx, userKey(userID), r.ttl*2)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Registry) Disconnect(ctx context.Context, connectionID string) error {
	userID, err := r.client.HGet(ctx, connKey(connectionID), "user").Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, connKey(connectionID))
	pipe.ZRem(ctx, userKey(userID), connectionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Registry) JoinRoom(ctx context.Context, connectionID string, conversationID int64) error {
	return r.runOnConnection(ctx, joinIfConnected, connectionID, strconv.FormatInt(conversationID, 10))
}

func (r *Registry) LeaveRoom(ctx context.Context, connectionID string, conversationID int64) error {
	return r.runOnConnection(ctx, leaveIfActive, connectionID, strconv.FormatInt(conversationID, 10))
}

func (r *Registry) Refresh(ctx context.Context, connectionID string) error {
	return r.runOnConnection(ctx, refreshIfConnected, connectionID,
		userKeyPrefix, r.ttl.Milliseconds(), int64(r.expiry()), connectionID, (r.ttl * 2).Milliseconds())
}

func (r *Registry) runOnConnection(ctx context.Context, script *goredis.Script, connectionID string, args ...any) error {
	n, err := script.Run(ctx, r.client, []string{connKey(connectionID)}, args...).Int64()
	if err != nil {
		return err
	}
	if n < 0 {
		return registrypresence.ErrUnknownConnection
	}
	return nil
}

// liveConnections prunes expired members and returns the rest.
func (r *Registry) liveConnections(ctx context.Context, userID string) ([]string, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, userKey(userID), "-inf", now).Err(); err != nil {
		return nil, err
	}
	return r.client.ZRange(ctx, userKey(userID), 0, -1).Result()
}

func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	conns, err := r.liveConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

func (r *Registry) IsActivelyViewing(ctx context.Context, userID string, conversationID int64) (bool, error) {
	if conversationID == 0 {
		return false, nil
	}
	conns, err := r.liveConnections(ctx, userID)
	if err != nil || len(conns) == 0 {
		return false, err
	}
	pipe := r.client.Pipeline()
	rooms := make([]*goredis.StringCmd, len(conns))
	for i, id := range conns {
		rooms[i] = pipe.HGet(ctx, connKey(id), "room")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return false, err
	}
	want := strconv.FormatInt(conversationID, 10)
	for _, cmd := range rooms {
		if room, err := cmd.Result(); err == nil && room == want {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the Redis client.
func (r *Registry) Close() error {
	return r.client.Close()
}

var _ registrypresence.Registry = (*Registry)(nil)
