package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"track-resolver-go/logcolors"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const redisOpTimeout = 3 * time.Second

// RedisPlaylistStore shares playlist payloads between instances. Expiry is
// delegated to redis: every write sets a key TTL from the policy.
type RedisPlaylistStore struct {
	client *redis.Client
	policy TTLPolicy
}

var _ PlaylistStore = (*RedisPlaylistStore)(nil)

// RedisOptions configures the redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisPlaylistStore connects and pings the server
func NewRedisPlaylistStore(ctx context.Context, opts RedisOptions, policy TTLPolicy) (*RedisPlaylistStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	log.Infof("%s Redis playlist cache connected at %s", logcolors.LogCacheInit, opts.Addr)
	return &RedisPlaylistStore{client: client, policy: policy}, nil
}

func redisPlaylistKey(playlistID, source string) string {
	return "playlist:" + source + ":" + playlistID
}

// GetPlaylist reads one playlist entry. Expired keys are already gone.
func (s *RedisPlaylistStore) GetPlaylist(ctx context.Context, playlistID, source string) (PlaylistEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, redisPlaylistKey(playlistID, source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PlaylistEntry{}, false, nil
	}
	if err != nil {
		return PlaylistEntry{}, false, err
	}

	var e PlaylistEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return PlaylistEntry{}, false, fmt.Errorf("failed to decode playlist entry: %w", err)
	}
	return e, true, nil
}

// PutPlaylist writes the entry with a TTL drawn from the policy
func (s *RedisPlaylistStore) PutPlaylist(ctx context.Context, e PlaylistEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	ttl := s.policy.TTLFor(e.Source)
	return s.client.Set(ctx, redisPlaylistKey(e.PlaylistID, e.Source), data, ttl).Err()
}

// SweepPlaylists is a no-op: redis expires keys itself
func (s *RedisPlaylistStore) SweepPlaylists(context.Context, func(PlaylistEntry) bool) (int, error) {
	return 0, nil
}

// Close closes the client
func (s *RedisPlaylistStore) Close() error {
	return s.client.Close()
}
