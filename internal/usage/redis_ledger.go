package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps one sorted set per license/feature, scored by event
// time in unix microseconds. Members are "id|count|metadata-json" so the
// events stay distinct and self-describing.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger creates a ledger on client. Keys are namespaced under prefix
// (default "usage").
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "usage"
	}
	return &RedisLedger{client: client, prefix: prefix, now: time.Now}
}

var (
	_ Ledger   = (*RedisLedger)(nil)
	_ Reserver = (*RedisLedger)(nil)
)

func (r *RedisLedger) eventsKey(key, feature string) string {
	return r.prefix + ":" + key + ":" + feature
}

func (r *RedisLedger) featuresKey(key string) string {
	return r.prefix + ":" + key + ":features"
}

func (r *RedisLedger) Record(ctx context.Context, ev Event) error {
	ev, err := Prepare(ev, r.now())
	if err != nil {
		return err
	}
	member, err := encodeMember(ev)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.eventsKey(ev.LicenseKey, ev.Feature), redis.Z{
			Score:  float64(ev.Timestamp.UnixMicro()),
			Member: member,
		})
		pipe.SAdd(ctx, r.featuresKey(ev.LicenseKey), ev.Feature)
		return nil
	})
	if err != nil {
		return fmt.Errorf("usage: redis record: %w", err)
	}
	return nil
}

func (r *RedisLedger) WindowedTotal(ctx context.Context, key, feature string, start, end time.Time) (int64, error) {
	members, err := r.client.ZRangeByScore(ctx, r.eventsKey(key, feature), &redis.ZRangeBy{
		Min: scoreMin(start),
		Max: scoreMax(end),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("usage: redis windowed total: %w", err)
	}
	var total int64
	for _, m := range members {
		n, err := memberCount(m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (r *RedisLedger) Totals(ctx context.Context, key string, f Filter) (map[string]int64, error) {
	features := []string{f.Feature}
	if f.Feature == "" {
		var err error
		features, err = r.client.SMembers(ctx, r.featuresKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("usage: redis features: %w", err)
		}
	}
	out := make(map[string]int64)
	for _, feature := range features {
		n, err := r.WindowedTotal(ctx, key, feature, f.Start, f.End)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[feature] = n
		}
	}
	return out, nil
}

// reserveScript sums member counts for each window and adds the event only
// if every window can take its count. Returns the 1-based index of the
// first window it would overflow, or 0 when the event was recorded.
//
// KEYS[1] events zset, KEYS[2] features set
// ARGV[1] score, ARGV[2] member, ARGV[3] feature, ARGV[4] count, then
// (start, cap) pairs.
var reserveScript = redis.NewScript(`
local score = tonumber(ARGV[1])
local count = tonumber(ARGV[4])
local n = (#ARGV - 4) / 2
for i = 1, n do
	local start = ARGV[3 + i * 2]
	local cap = tonumber(ARGV[4 + i * 2])
	local used = 0
	for _, m in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], start, score)) do
		local c = string.match(m, '^[^|]*|(%d+)|')
		used = used + tonumber(c)
	end
	if used + count > cap then
		return i
	end
end
redis.call('ZADD', KEYS[1], score, ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 0
`)

func (r *RedisLedger) RecordIfWithin(ctx context.Context, ev Event, windows []Window) (*Window, error) {
	ev, err := Prepare(ev, r.now())
	if err != nil {
		return nil, err
	}
	member, err := encodeMember(ev)
	if err != nil {
		return nil, err
	}
	args := []interface{}{ev.Timestamp.UnixMicro(), member, ev.Feature, ev.Count}
	for _, w := range windows {
		args = append(args, scoreMin(w.Start), w.Cap)
	}
	idx, err := reserveScript.Run(ctx, r.client,
		[]string{r.eventsKey(ev.LicenseKey, ev.Feature), r.featuresKey(ev.LicenseKey)},
		args...,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("usage: redis reserve: %w", err)
	}
	if idx > 0 && idx <= len(windows) {
		w := windows[idx-1]
		return &w, nil
	}
	return nil, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// scoreMin and scoreMax convert inclusive window bounds to microsecond
// scores. Stored events are whole microseconds, so the lower bound rounds up
// and the upper bound rounds down.
func scoreMin(t time.Time) string {
	if t.IsZero() {
		return "-inf"
	}
	us := t.UnixMicro()
	if t.Sub(time.UnixMicro(us)) > 0 {
		us++
	}
	return strconv.FormatInt(us, 10)
}

func scoreMax(t time.Time) string {
	if t.IsZero() {
		return "+inf"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func encodeMember(ev Event) (string, error) {
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return "", fmt.Errorf("usage: encode metadata: %w", err)
		}
		meta = string(b)
	}
	return ev.ID + "|" + strconv.FormatInt(ev.Count, 10) + "|" + meta, nil
}

func memberCount(m string) (int64, error) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("usage: malformed redis member %q", m)
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage: malformed redis member %q: %w", m, err)
	}
	return n, nil
}
