package security

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errUnexpectedReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket is a token bucket shared by every API replica through
// Redis. A nil client or non-positive settings disable limiting.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = tokens + (delta * refill_rate)
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token for rawKey and reports how many are left.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (bool, int, error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return true, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(vals) != 2 {
		return false, 0, errUnexpectedReply
	}

	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, errUnexpectedReply
	}
	remaining, err := strconv.ParseFloat(toString(vals[1]), 64)
	if err != nil {
		return false, 0, errUnexpectedReply
	}
	return allowed == 1, int(remaining), nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// KeyByRemoteIP buckets requests by peer address.
func KeyByRemoteIP(r *http.Request) string {
	ip := RemoteIP(r)
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}

func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
