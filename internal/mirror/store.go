package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hai-vr/XYVR-sub001/internal/live"
)

const (
	// DefaultNamespace prefixes every key the mirror writes.
	DefaultNamespace = "live:"

	// DefaultTTL is how long a record survives without being refreshed.
	DefaultTTL = 1 * time.Hour
)

// Config holds mirror settings.
type Config struct {
	Addr      string
	Namespace string
	TTL       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		Namespace: DefaultNamespace,
		TTL:       DefaultTTL,
	}
}

// userRecord is the hash stored under <ns>user:<app>:<id>.
type userRecord struct {
	App          string `redis:"app"`
	ID           string `redis:"id"`
	OnlineStatus string `redis:"online_status"`
	Knowledge    string `redis:"knowledge"`
	SessionGUID  string `redis:"session_guid"`
	UpdatedAt    int64  `redis:"updated_at"`
	JSON         string `redis:"json"`
}

// sessionRecord is the hash stored under <ns>session:<guid>.
type sessionRecord struct {
	GUID         string `redis:"guid"`
	App          string `redis:"app"`
	NativeID     string `redis:"native_id"`
	Name         string `redis:"name"`
	Participants int    `redis:"participants"`
	UpdatedAt    int64  `redis:"updated_at"`
	JSON         string `redis:"json"`
}

// Store mirrors users and sessions into Redis.
type Store struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: config.Addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mirror: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, config.Namespace, config.TTL), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, namespace string, ttl time.Duration) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ns: namespace, ttl: ttl}
}

func (s *Store) userKey(app live.NamedApp, id string) string {
	return s.ns + "user:" + app.String() + ":" + id
}

func (s *Store) sessionKey(guid string) string {
	return s.ns + "session:" + guid
}

func (s *Store) userIndex() string    { return s.ns + "users" }
func (s *Store) sessionIndex() string { return s.ns + "sessions" }

// UserUpdated writes u and refreshes its TTL. It implements monitoring.Sink.
func (s *Store) UserUpdated(ctx context.Context, u live.UserUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("mirror: marshal user: %w", err)
	}

	rec := userRecord{
		App:       u.App.String(),
		ID:        u.InAppIdentifier,
		UpdatedAt: time.Now().Unix(),
		JSON:      string(data),
	}
	if u.OnlineStatus != nil {
		rec.OnlineStatus = string(*u.OnlineStatus)
	}
	if u.MainSession != nil {
		rec.Knowledge = string(u.MainSession.Knowledge)
		rec.SessionGUID = u.MainSession.SessionGUID
	}

	key := s.userKey(u.App, u.InAppIdentifier)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, s.userIndex(), key)
	pipe.Expire(ctx, s.userIndex(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: write user %s: %w", key, err)
	}
	return nil
}

// SessionUpdated writes sess and refreshes its TTL. It implements
// monitoring.Sink.
func (s *Store) SessionUpdated(ctx context.Context, sess live.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("mirror: marshal session: %w", err)
	}

	rec := sessionRecord{
		GUID:         sess.GUID,
		App:          sess.App.String(),
		NativeID:     sess.InAppSessionIdentifier,
		Participants: len(sess.Participants),
		UpdatedAt:    time.Now().Unix(),
		JSON:         string(data),
	}
	if sess.Name != nil {
		rec.Name = *sess.Name
	}

	key := s.sessionKey(sess.GUID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, s.sessionIndex(), key)
	pipe.Expire(ctx, s.sessionIndex(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror: write session %s: %w", key, err)
	}
	return nil
}

// GetUser returns the mirrored user, or nil if absent or expired.
func (s *Store) GetUser(ctx context.Context, app live.NamedApp, id string) (*live.UserUpdate, error) {
	var rec userRecord
	if err := s.client.HGetAll(ctx, s.userKey(app, id)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("mirror: read user: %w", err)
	}
	if rec.JSON == "" {
		return nil, nil
	}
	var u live.UserUpdate
	if err := json.Unmarshal([]byte(rec.JSON), &u); err != nil {
		return nil, fmt.Errorf("mirror: decode user: %w", err)
	}
	return &u, nil
}

// GetSession returns the mirrored session, or nil if absent or expired.
func (s *Store) GetSession(ctx context.Context, guid string) (*live.Session, error) {
	var rec sessionRecord
	if err := s.client.HGetAll(ctx, s.sessionKey(guid)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("mirror: read session: %w", err)
	}
	if rec.JSON == "" {
		return nil, nil
	}
	var sess live.Session
	if err := json.Unmarshal([]byte(rec.JSON), &sess); err != nil {
		return nil, fmt.Errorf("mirror: decode session: %w", err)
	}
	return &sess, nil
}

// Users returns every mirrored user. Index entries whose record expired
// are pruned.
func (s *Store) Users(ctx context.Context) ([]live.UserUpdate, error) {
	var out []live.UserUpdate
	err := s.scanIndex(ctx, s.userIndex(), func(raw string) error {
		var u live.UserUpdate
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return fmt.Errorf("mirror: decode user: %w", err)
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

// Sessions returns every mirrored session. Index entries whose record
// expired are pruned.
func (s *Store) Sessions(ctx context.Context) ([]live.Session, error) {
	var out []live.Session
	err := s.scanIndex(ctx, s.sessionIndex(), func(raw string) error {
		var sess live.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return fmt.Errorf("mirror: decode session: %w", err)
		}
		out = append(out, sess)
		return nil
	})
	return out, err
}

func (s *Store) scanIndex(ctx context.Context, index string, fn func(raw string) error) error {
	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("mirror: read index %s: %w", index, err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, "json")
	}
	// redis.Nil for expired records is expected; inspect each command.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("mirror: read %s records: %w", index, err)
	}

	var stale []interface{}
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err == redis.Nil {
			stale = append(stale, keys[i])
			continue
		}
		if err != nil {
			return fmt.Errorf("mirror: read %s: %w", keys[i], err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, index, stale...).Err(); err != nil {
			return fmt.Errorf("mirror: prune %s: %w", index, err)
		}
	}
	return nil
}

// Clear deletes everything under the namespace. Used on startup so a
// restarted engine does not serve the previous process's GUIDs.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, escapeGlob(s.ns)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("mirror: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("mirror: clear: %w", err)
	}
	return nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}
