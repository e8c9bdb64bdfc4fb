package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sipkit/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"SIPKIT_REDIS_ADDR"`
	Password     string        `json:"password,omitempty" env:"SIPKIT_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"SIPKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"SIPKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"SIPKIT_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"SIPKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"SIPKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"SIPKIT_REDIS_WRITE_TIMEOUT"`
	MaxRetries   int           `json:"max_retries" env:"SIPKIT_REDIS_MAX_RETRIES"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   5,
	}
}

// Store implements the engine repository using Redis as the backend.
// Data structure:
// - profile:{user_id} -> JSON Profile
// - session:{session_id} -> JSON Session
// - sessions:by_end -> zset of session ids scored by end time (unix ms)
// - user:{user_id}:drinks -> list of JSON DrinkEntry
// - user:{user_id}:sessions -> set of session ids the user drank in
// - session:{session_id}:drinks -> hash user_id -> drink count
// - badge:{badge_id} -> JSON Badge, badges -> set of badge ids
// - award:{user_id}:{badge_id}:{scope} -> hash {id, doc}
// - user:{user_id}:awards -> set of award keys
// - user:{user_id}:progress -> hash badge_id -> JSON BadgeProgress
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage, retrying the initial ping with
// exponential backoff.
func New(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	var policy backoff.BackOff = b
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	err := backoff.RetryNotify(
		func() error { return client.Ping(ctx).Err() },
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			slog.Warn("redis ping failed", "addr", config.Addr, "error", err, "backoff", d)
		},
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the connection for health checks.
func (s *Store) Client() *redis.Client { return s.client }

func profileKey(u core.UserID) string { return "profile:" + string(u) }
func sessionKey(id core.SessionID) string { return "session:" + string(id) }
func sessionDrinksKey(id core.SessionID) string { return "session:" + string(id) + ":drinks" }
func userDrinksKey(u core.UserID) string { return "user:" + string(u) + ":drinks" }
func userSessionsKey(u core.UserID) string { return "user:" + string(u) + ":sessions" }
func userAwardsKey(u core.UserID) string { return "user:" + string(u) + ":awards" }
func userProgressKey(u core.UserID) string { return "user:" + string(u) + ":progress" }
func badgeKey(id core.BadgeID) string { return "badge:" + string(id) }

const (
	badgesKey     = "badges"
	sessionsByEnd = "sessions:by_end"
)

func awardKey(req core.AwardRequest) string {
	return fmt.Sprintf("award:%s:%s:%s", req.UserID, req.BadgeID, req.SessionID)
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) SaveProfile(ctx context.Context, p core.Profile) error {
	return core.Persistence("save profile", s.setJSON(ctx, profileKey(p.ID), p))
}

func (s *Store) FetchProfile(ctx context.Context, user core.UserID) (core.Profile, error) {
	var p core.Profile
	if err := s.getJSON(ctx, profileKey(user), &p); err != nil {
		return core.Profile{}, core.Persistence("fetch profile", err)
	}
	return p, nil
}

func (s *Store) SaveSession(ctx context.Context, sess core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(sess.ID), data, 0)
		p.ZAdd(ctx, sessionsByEnd, redis.Z{Score: float64(sess.EndTime.UnixMilli()), Member: string(sess.ID)})
		return nil
	})
	return core.Persistence("save session", err)
}

func (s *Store) FetchSession(ctx context.Context, id core.SessionID) (core.Session, error) {
	var sess core.Session
	if err := s.getJSON(ctx, sessionKey(id), &sess); err != nil {
		return core.Session{}, core.Persistence("fetch session", err)
	}
	return sess, nil
}

// LogDrink appends the drink and updates the count indexes in one transaction.
func (s *Store) LogDrink(ctx context.Context, d core.DrinkEntry) (core.DrinkEntry, error) {
	if d.ID == "" {
		d.ID = core.DrinkID(uuid.NewString())
	}
	data, err := json.Marshal(d)
	if err != nil {
		return core.DrinkEntry{}, fmt.Errorf("encode drink: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, userDrinksKey(d.UserID), data)
		p.SAdd(ctx, userSessionsKey(d.UserID), string(d.SessionID))
		p.HIncrBy(ctx, sessionDrinksKey(d.SessionID), string(d.UserID), 1)
		return nil
	})
	if err != nil {
		return core.DrinkEntry{}, core.Persistence("log drink", err)
	}
	return d, nil
}

func (s *Store) FetchDrinks(ctx context.Context, user core.UserID, session core.SessionID) ([]core.DrinkEntry, error) {
	raw, err := s.client.LRange(ctx, userDrinksKey(user), 0, -1).Result()
	if err != nil {
		return nil, core.Persistence("fetch drinks", err)
	}
	out := make([]core.DrinkEntry, 0, len(raw))
	for _, r := range raw {
		var d core.DrinkEntry
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, core.Persistence("fetch drinks", err)
		}
		if !session.IsZero() && d.SessionID != session {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) CountAllTime(ctx context.Context, metric core.MetricName, user core.UserID) (float64, error) {
	var (
		n   int64
		err error
	)
	switch metric {
	case core.MetricTotalDrinks:
		n, err = s.client.LLen(ctx, userDrinksKey(user)).Result()
	case core.MetricSessionCount:
		n, err = s.client.SCard(ctx, userSessionsKey(user)).Result()
	default:
		return 0, fmt.Errorf("%w: %q is not an all-time count", core.ErrUnknownMetric, metric)
	}
	if err != nil {
		return 0, core.Persistence("count all time", err)
	}
	return float64(n), nil
}

func (s *Store) CountInSession(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error) {
	key := sessionDrinksKey(session)
	switch metric {
	case core.MetricDrinksInSession:
		n, err := s.client.HGet(ctx, key, string(user)).Int64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, core.Persistence("count in session", err)
		}
		return float64(n), nil
	case core.MetricUniqueFriendsInSession:
		users, err := s.client.HKeys(ctx, key).Result()
		if err != nil {
			return 0, core.Persistence("count in session", err)
		}
		n := 0
		for _, u := range users {
			if core.UserID(u) != user {
				n++
			}
		}
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %q is not a session count", core.ErrUnknownMetric, metric)
}

func (s *Store) SaveBadge(ctx context.Context, b core.Badge) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode badge: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, badgeKey(b.ID), data, 0)
		p.SAdd(ctx, badgesKey, string(b.ID))
		return nil
	})
	return core.Persistence("save badge", err)
}

func (s *Store) FetchActiveAutomaticBadges(ctx context.Context, categories []core.Category) ([]core.Badge, error) {
	ids, err := s.client.SMembers(ctx, badgesKey).Result()
	if err != nil {
		return nil, core.Persistence("fetch badges", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = badgeKey(core.BadgeID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, core.Persistence("fetch badges", err)
	}
	allowed := make(map[core.Category]struct{}, len(categories))
	for _, c := range categories {
		allowed[c] = struct{}{}
	}
	var out []core.Badge
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		var b core.Badge
		if err := json.Unmarshal([]byte(str), &b); err != nil {
			return nil, core.Persistence("fetch badges", err)
		}
		if _, ok := allowed[b.Category]; ok && b.IsActive && b.IsAutomatic {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lua script for atomic award-if-absent keyed by scope.
var awardIfAbsentScript = redis.NewScript(`
	local existing = redis.call('HGET', KEYS[1], 'id')
	if existing then
		return {0, existing}
	end
	redis.call('HSET', KEYS[1], 'id', ARGV[1], 'doc', ARGV[2])
	redis.call('SADD', KEYS[2], KEYS[1])
	return {1, ARGV[1]}
`)

// AwardIfAbsent creates the award unless its scope key exists. The check and
// the write run inside one script so concurrent callers cannot both create.
func (s *Store) AwardIfAbsent(ctx context.Context, req core.AwardRequest) (core.AwardResult, error) {
	ub := core.UserBadge{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		BadgeID:   req.BadgeID,
		SessionID: req.SessionID,
		EarnedAt:  req.EarnedAt.UTC(),
		Metadata:  req.Metadata,
	}
	if req.EarnedAt.IsZero() {
		ub.EarnedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(ub)
	if err != nil {
		return core.AwardResult{}, fmt.Errorf("encode award: %w", err)
	}
	keys := []string{awardKey(req), userAwardsKey(req.UserID)}
	res, err := awardIfAbsentScript.Run(ctx, s.client, keys, ub.ID, doc).Slice()
	if err != nil {
		return core.AwardResult{}, core.Persistence("award if absent", err)
	}
	if len(res) != 2 {
		return core.AwardResult{}, core.Persistence("award if absent", errors.New("unexpected result from Redis script"))
	}
	created, _ := res[0].(int64)
	id, _ := res[1].(string)
	return core.AwardResult{Created: created == 1, UserBadgeID: id}, nil
}

func (s *Store) ListUserBadges(ctx context.Context, user core.UserID) ([]core.UserBadge, error) {
	keys, err := s.client.SMembers(ctx, userAwardsKey(user)).Result()
	if err != nil {
		return nil, core.Persistence("list user badges", err)
	}
	cmds, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.HGet(ctx, k, "doc")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, core.Persistence("list user badges", err)
	}
	out := make([]core.UserBadge, 0, len(cmds))
	for _, c := range cmds {
		doc, err := c.(*redis.StringCmd).Bytes()
		if err != nil {
			continue
		}
		var ub core.UserBadge
		if err := json.Unmarshal(doc, &ub); err != nil {
			return nil, core.Persistence("list user badges", err)
		}
		out = append(out, ub)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EarnedAt.Equal(out[j].EarnedAt) {
			return out[i].EarnedAt.Before(out[j].EarnedAt)
		}
		if out[i].BadgeID != out[j].BadgeID {
			return out[i].BadgeID < out[j].BadgeID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *Store) UpsertProgress(ctx context.Context, p core.BadgeProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return core.Persistence("upsert progress", s.client.HSet(ctx, userProgressKey(p.UserID), string(p.BadgeID), data).Err())
}

// Progress reads the cached progress for one badge.
func (s *Store) Progress(ctx context.Context, user core.UserID, badge core.BadgeID) (core.BadgeProgress, error) {
	data, err := s.client.HGet(ctx, userProgressKey(user), string(badge)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.BadgeProgress{}, core.Persistence("progress", core.ErrNotFound)
	}
	if err != nil {
		return core.BadgeProgress{}, core.Persistence("progress", err)
	}
	var p core.BadgeProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return core.BadgeProgress{}, core.Persistence("progress", err)
	}
	return p, nil
}

// EndedSessions reads the end-time index with millisecond resolution.
func (s *Store) EndedSessions(ctx context.Context, since, until time.Time) ([]core.Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, sessionsByEnd, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, core.Persistence("ended sessions", err)
	}
	out := make([]core.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.FetchSession(ctx, core.SessionID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) SessionParticipants(ctx context.Context, session core.SessionID) ([]core.UserID, error) {
	users, err := s.client.HKeys(ctx, sessionDrinksKey(session)).Result()
	if err != nil {
		return nil, core.Persistence("session participants", err)
	}
	sort.Strings(users)
	out := make([]core.UserID, len(users))
	for i, u := range users {
		out[i] = core.UserID(u)
	}
	return out, nil
}
