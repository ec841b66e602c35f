package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout, all keys under one prefix:
//
//	<p>:rec:<id>            hash, one per record
//	<p>:pending             zset of claimable members across all kinds
//	<p>:pending:<kind>      zset of claimable members of one kind
//	<p>:all                 zset of every member, for List
//	<p>:children:<parent>   zset of child members
//
// A member is "<20-digit created_at nanos>|<id>". Pending zsets score members
// by priority, so ZRANGE 0 0 yields the lowest priority value, then the oldest
// record, then the smallest id. Each hash keeps its own member string because
// Lua numbers cannot hold nanosecond timestamps exactly.

// redisPushScript inserts a record and indexes it.
// ARGV[1] = prefix, ARGV[2] = id, ARGV[3] = parent id or "", ARGV[4] = kind,
// ARGV[5] = priority, ARGV[6] = member, ARGV[7..] = hash field/value pairs
var redisPushScript = redis.NewScript(`
local p = ARGV[1]
if ARGV[3] ~= "" and redis.call("EXISTS", p .. ":rec:" .. ARGV[3]) == 0 then
    return 0
end
redis.call("HSET", p .. ":rec:" .. ARGV[2], unpack(ARGV, 7))
redis.call("ZADD", p .. ":pending", ARGV[5], ARGV[6])
redis.call("ZADD", p .. ":pending:" .. ARGV[4], ARGV[5], ARGV[6])
redis.call("ZADD", p .. ":all", 0, ARGV[6])
if ARGV[3] ~= "" then
    redis.call("ZADD", p .. ":children:" .. ARGV[3], 0, ARGV[6])
end
return 1
`)

// redisClaimScript pops the best pending member and marks it claimed.
// KEYS[1] = pending zset to pop from
// ARGV[1] = prefix, ARGV[2] = executor id, ARGV[3] = claimed_at nanos
var redisClaimScript = redis.NewScript(`
local p = ARGV[1]
local m = redis.call("ZRANGE", KEYS[1], 0, 0)
if #m == 0 then
    return false
end
local member = m[1]
local id = string.sub(member, 22)
local key = p .. ":rec:" .. id
local kind = redis.call("HGET", key, "kind")
redis.call("ZREM", p .. ":pending", member)
redis.call("ZREM", p .. ":pending:" .. kind, member)
redis.call("HSET", key, "status", "claimed", "claimant_id", ARGV[2], "claimed_at", ARGV[3])
return id
`)

// redisClaimByIDScript claims one specific record if it is still pending.
// ARGV[1] = prefix, ARGV[2] = id, ARGV[3] = executor id, ARGV[4] = claimed_at nanos
// Returns -1 when the record is missing, 0 when it is not pending, 1 on success.
var redisClaimByIDScript = redis.NewScript(`
local p = ARGV[1]
local key = p .. ":rec:" .. ARGV[2]
local st = redis.call("HMGET", key, "status", "kind", "member")
if not st[1] then
    return -1
end
if st[1] ~= "pending" then
    return 0
end
local member = st[3]
redis.call("ZREM", p .. ":pending", member)
redis.call("ZREM", p .. ":pending:" .. st[2], member)
redis.call("HSET", key, "status", "claimed", "claimant_id", ARGV[3], "claimed_at", ARGV[4])
return 1
`)

// redisTransitionScript compare-and-swaps a status change.
// ARGV[1] = prefix, ARGV[2] = id, ARGV[3] = expected status,
// ARGV[4] = expected retry_count, ARGV[5..] = hash field/value pairs to set.
// A record moving back to pending is re-indexed as claimable.
var redisTransitionScript = redis.NewScript(`
local p = ARGV[1]
local key = p .. ":rec:" .. ARGV[2]
local st = redis.call("HMGET", key, "status", "retry_count", "kind", "priority", "member")
if not st[1] then
    return -1
end
if st[1] ~= ARGV[3] or st[2] ~= ARGV[4] then
    return 0
end
redis.call("HSET", key, unpack(ARGV, 5))
if redis.call("HGET", key, "status") == "pending" then
    redis.call("ZADD", p .. ":pending", st[4], st[5])
    redis.call("ZADD", p .. ":pending:" .. st[3], st[4], st[5])
end
return 1
`)

// RedisStore persists records in Redis. Claims and transitions run as Lua
// scripts so each one is a single atomic read-modify-write on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    Clock
}

// NewRedisStore wraps a connected client. prefix namespaces every key;
// empty means "taskloop".
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "taskloop"
	}
	o := buildOptions(opts)
	return &RedisStore{client: client, prefix: prefix, now: o.now}
}

// OpenRedisStore parses a redis:// URL and verifies the server answers.
func OpenRedisStore(ctx context.Context, url, prefix string, opts ...Option) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix, opts...), nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) recKey(id string) string { return s.prefix + ":rec:" + id }

func member(created time.Time, id string) string {
	return fmt.Sprintf("%020d|%s", created.UnixNano(), id)
}

func memberID(m string) string {
	if i := strings.IndexByte(m, '|'); i >= 0 {
		return m[i+1:]
	}
	return m
}

// Push persists a new pending record.
func (s *RedisStore) Push(ctx context.Context, r *Record) (string, error) {
	r.ID = uuid.NewString()
	r.Status = StatusPending
	r.CreatedAt = s.now()
	r.ClaimantID, r.ClaimedAt, r.CompletedAt = "", nil, nil
	r.Result, r.Error, r.RetryCount = "", "", 0
	r.MaxRetries = normalizeMaxRetries(r.MaxRetries)

	args := []any{s.prefix, r.ID, r.ParentID, r.Kind, r.Priority, member(r.CreatedAt, r.ID)}
	args = append(args, recordFields(r)...)
	n, err := redisPushScript.Run(ctx, s.client, nil, args...).Int()
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, r.ParentID)
	}
	return r.ID, nil
}

// Claim pops the best pending record of the filter's kind.
func (s *RedisStore) Claim(ctx context.Context, executorID string, filter Filter) (*Record, error) {
	key := s.prefix + ":pending"
	if filter.Kind != "" {
		key += ":" + filter.Kind
	}
	id, err := redisClaimScript.Run(ctx, s.client, []string{key},
		s.prefix, executorID, s.now().UnixNano()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim record: %w", err)
	}
	return s.Get(ctx, id)
}

// ClaimByID claims the pending record id.
func (s *RedisStore) ClaimByID(ctx context.Context, id, executorID string) (*Record, error) {
	n, err := redisClaimByIDScript.Run(ctx, s.client, nil,
		s.prefix, id, executorID, s.now().UnixNano()).Int()
	if err != nil {
		return nil, fmt.Errorf("claim record %s: %w", id, err)
	}
	switch n {
	case -1:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s (record %s)", ErrInvalidTransition, cur.Status, StatusClaimed, id)
	}
	return s.Get(ctx, id)
}

// UpdateStatus validates the transition and applies it with a server-side
// compare-and-swap on (status, retry_count).
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, to Status, out Outcome) (*Record, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(cur, to); err != nil {
		return nil, err
	}
	from, fromRetries := cur.Status, cur.RetryCount
	apply(cur, to, out, s.now)

	args := []any{s.prefix, id, string(from), strconv.Itoa(fromRetries)}
	args = append(args,
		"status", string(cur.Status),
		"claimant_id", cur.ClaimantID,
		"result", cur.Result,
		"error", cur.Error,
		"retry_count", cur.RetryCount,
		"claimed_at", nanos(cur.ClaimedAt),
		"completed_at", nanos(cur.CompletedAt),
	)
	n, err := redisTransitionScript.Run(ctx, s.client, nil, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("update record %s: %w", id, err)
	}
	switch n {
	case -1:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		return nil, fmt.Errorf("%w: record %s changed concurrently (was %s)", ErrInvalidTransition, id, from)
	}
	return cur, nil
}

// Get retrieves a record by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	h, err := s.client.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recordFromHash(h)
}

// Children returns the direct children of parentID, oldest first.
func (s *RedisStore) Children(ctx context.Context, parentID string) ([]*Record, error) {
	if parentID == "" {
		return nil, nil
	}
	return s.load(ctx, s.prefix+":children:"+parentID, Filter{})
}

// List returns records matching filter ordered by created_at, then id.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	key := s.prefix + ":all"
	if filter.ParentID != "" {
		key = s.prefix + ":children:" + filter.ParentID
	}
	return s.load(ctx, key, filter)
}

func (s *RedisStore) load(ctx context.Context, index string, filter Filter) ([]*Record, error) {
	members, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(memberID(m)))
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
	}

	var recs []*Record
	skipped := 0
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		r, err := recordFromHash(h)
		if err != nil {
			return nil, err
		}
		if !matches(r, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		recs = append(recs, r)
		if filter.Limit > 0 && len(recs) == filter.Limit {
			break
		}
	}
	return recs, nil
}

func matches(r *Record, f Filter) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.ParentID != "" && r.ParentID != f.ParentID {
		return false
	}
	if f.ClaimantID != "" && r.ClaimantID != f.ClaimantID {
		return false
	}
	return true
}

func recordFields(r *Record) []any {
	return []any{
		"id", r.ID,
		"kind", r.Kind,
		"status", string(r.Status),
		"priority", r.Priority,
		"payload", string(r.Payload),
		"parent_id", r.ParentID,
		"claimant_id", r.ClaimantID,
		"result", r.Result,
		"error", r.Error,
		"retry_count", r.RetryCount,
		"max_retries", r.MaxRetries,
		"created_at", r.CreatedAt.UnixNano(),
		"member", member(r.CreatedAt, r.ID),
		"claimed_at", nanos(r.ClaimedAt),
		"completed_at", nanos(r.CompletedAt),
	}
}

func nanos(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, n).UTC()
	return &t, nil
}

func recordFromHash(h map[string]string) (*Record, error) {
	r := &Record{
		ID:         h["id"],
		Kind:       h["kind"],
		Status:     Status(h["status"]),
		ParentID:   h["parent_id"],
		ClaimantID: h["claimant_id"],
		Result:     h["result"],
		Error:      h["error"],
	}
	if p := h["payload"]; p != "" {
		r.Payload = []byte(p)
	}
	var err error
	if r.Priority, err = strconv.Atoi(h["priority"]); err != nil {
		return nil, fmt.Errorf("decode record %s priority: %w", r.ID, err)
	}
	if r.RetryCount, err = strconv.Atoi(h["retry_count"]); err != nil {
		return nil, fmt.Errorf("decode record %s retry_count: %w", r.ID, err)
	}
	if r.MaxRetries, err = strconv.Atoi(h["max_retries"]); err != nil {
		return nil, fmt.Errorf("decode record %s max_retries: %w", r.ID, err)
	}
	created, err := parseNanos(h["created_at"])
	if err != nil || created == nil {
		return nil, fmt.Errorf("decode record %s created_at: %v", r.ID, err)
	}
	r.CreatedAt = *created
	if r.ClaimedAt, err = parseNanos(h["claimed_at"]); err != nil {
		return nil, fmt.Errorf("decode record %s claimed_at: %w", r.ID, err)
	}
	if r.CompletedAt, err = parseNanos(h["completed_at"]); err != nil {
		return nil, fmt.Errorf("decode record %s completed_at: %w", r.ID, err)
	}
	return r, nil
}
