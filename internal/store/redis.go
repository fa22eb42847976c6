package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxUpdateAttempts bounds optimistic-lock retries in Update.
const maxUpdateAttempts = 5

// addMember adds ARGV[1] to the set at KEYS[1] and keeps the set alive
// as long as its longest lived member. ARGV[2] is the member's expiry
// (unix seconds, 0 for none) and ARGV[3] the caller's clock. A set
// holding any member without expiry is persistent.
var addMember = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local ttl = redis.call('TTL', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])

local exp = tonumber(ARGV[2])
if exp == 0 then
  redis.call('PERSIST', KEYS[1])
  return 0
end

if existed == 0 or (ttl >= 0 and ttl < exp - tonumber(ARGV[3])) then
  redis.call('EXPIREAT', KEYS[1], exp)
end

return 1
`)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store backed by Redis. Items are JSON strings at
// "<prefix><table>:<pk>". Each secondary index value is a set of
// primary keys, and "<prefix><table>:all" tracks every key of a
// scannable table. Items carrying expires_on get a matching key expiry
// and each index set they join expires no earlier than its longest
// lived member. Members that outlive their item are pruned on read.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	schema    *Schema
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, schema *Schema) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.KeyPrefix, schema), nil
}

// NewRedisWithClient wraps a pre-configured client. Tests use this with
// miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string, schema *Schema) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix, schema: schema}
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) itemKey(table, pk string) string {
	return r.keyPrefix + table + ":" + pk
}

func (r *Redis) allKey(table string) string {
	return r.keyPrefix + table + ":all"
}

func (r *Redis) indexKey(table, index, value string) string {
	return r.keyPrefix + table + ":idx:" + index + ":" + value
}

// Get returns the item with the given hash key, or nil if not found.
func (r *Redis) Get(ctx context.Context, table string, key Item) (Item, error) {
	t, err := r.schema.Table(table)
	if err != nil {
		return nil, err
	}

	pk, err := t.keyValue(key)
	if err != nil {
		return nil, err
	}

	return r.load(ctx, r.client, r.itemKey(t.Name, pk))
}

// Query returns every live item whose indexed attribute equals the
// value in key.
func (r *Redis) Query(ctx context.Context, table, index string, key Item) ([]Item, error) {
	t, err := r.schema.Table(table)
	if err != nil {
		return nil, err
	}

	a, err := t.indexAttr(index)
	if err != nil {
		return nil, err
	}

	value := attr(key, a)
	if value == "" {
		return nil, fmt.Errorf("missing index attribute %q", a)
	}

	setKey := r.indexKey(t.Name, index, value)

	pks, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", index, err)
	}

	var (
		items []Item
		stale []any
	)

	for _, pk := range pks {
		item, err := r.load(ctx, r.client, r.itemKey(t.Name, pk))
		if err != nil {
			return nil, err
		}

		if item == nil || attr(item, a) != value {
			stale = append(stale, pk)
			continue
		}

		items = append(items, item)
	}

	if len(stale) > 0 {
		_ = r.client.SRem(ctx, setKey, stale...).Err()
	}

	return items, nil
}

// Put writes item, replacing any existing record with the same key.
func (r *Redis) Put(ctx context.Context, table string, item Item) error {
	t, err := r.schema.Table(table)
	if err != nil {
		return err
	}

	pk, err := t.keyValue(item)
	if err != nil {
		return err
	}

	key := r.itemKey(t.Name, pk)

	old, err := r.load(ctx, r.client, key)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.write(ctx, pipe, t, pk, old, item)
	})
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", t.Name, pk, err)
	}

	return nil
}

// Update merges patch into the existing record under an optimistic
// WATCH on the item key.
func (r *Redis) Update(ctx context.Context, table string, key Item, patch Item) error {
	t, err := r.schema.Table(table)
	if err != nil {
		return err
	}

	pk, err := t.keyValue(key)
	if err != nil {
		return err
	}

	itemKey := r.itemKey(t.Name, pk)

	txf := func(tx *redis.Tx) error {
		old, err := r.load(ctx, tx, itemKey)
		if err != nil {
			return err
		}

		if old == nil {
			return fmt.Errorf("updating %s/%s: %w", t.Name, pk, apperrors.ErrNotFound)
		}

		updated := merge(old, patch)
		updated[t.Key] = pk

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, t, pk, old, updated)
		})

		return err
	}

	for range maxUpdateAttempts {
		err = r.client.Watch(ctx, txf, itemKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return fmt.Errorf("updating %s/%s: %w", t.Name, pk, err)
}

// Scan returns every live item in the table.
func (r *Redis) Scan(ctx context.Context, table string) ([]Item, error) {
	t, err := r.schema.Table(table)
	if err != nil {
		return nil, err
	}

	if !t.Scannable {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotScannable, t.Name)
	}

	allKey := r.allKey(t.Name)

	pks, err := r.client.SMembers(ctx, allKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", t.Name, err)
	}

	if len(pks) == 0 {
		return nil, nil
	}

	keys := make([]string, len(pks))
	for i, pk := range pks {
		keys[i] = r.itemKey(t.Name, pk)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", t.Name, err)
	}

	var (
		items []Item
		stale []any
	)

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, pks[i])
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keys[i], err)
		}

		items = append(items, item)
	}

	if len(stale) > 0 {
		_ = r.client.SRem(ctx, allKey, stale...).Err()
	}

	return items, nil
}

// getter is the read side shared by the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c getter, key string) (Item, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	return item, nil
}

func (r *Redis) write(ctx context.Context, pipe redis.Pipeliner, t Table, pk string, old, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	key := r.itemKey(t.Name, pk)

	for index, a := range t.Indexes {
		if v := attr(old, a); v != "" && v != attr(item, a) {
			pipe.SRem(ctx, r.indexKey(t.Name, index, v), pk)
		}
	}

	pipe.Set(ctx, key, data, 0)

	exp, ok := ExpiresOn(item)
	if ok {
		pipe.ExpireAt(ctx, key, time.Unix(exp, 0))
	} else {
		exp = 0
	}

	now := time.Now().Unix()

	if t.Scannable {
		addMember.Eval(ctx, pipe, []string{r.allKey(t.Name)}, pk, exp, now)
	}

	for index, a := range t.Indexes {
		if v := attr(item, a); v != "" {
			addMember.Eval(ctx, pipe, []string{r.indexKey(t.Name, index, v)}, pk, exp, now)
		}
	}

	return nil
}
