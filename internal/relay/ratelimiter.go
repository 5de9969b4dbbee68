package relay

import (
	"hash/fnv"
	"sync"
	"time"
)

const limiterShards = 256

// BucketConfig configures one token-bucket dimension (burst size and the
// period to refill a single token).
type BucketConfig struct {
	Burst           int
	ReplenishPeriod time.Duration
}

// RateLimiter is a sharded token-bucket limiter keyed by an arbitrary
// string (IP, token, or a single constant key for the global bucket).
// Sharding avoids a single mutex becoming a hot-path bottleneck, following
// the same fixed-shard-pool shape used elsewhere for concurrent maps.
type RateLimiter struct {
	cfg    BucketConfig
	shards [limiterShards]bucketShard
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens float64
	last   time.Time
}

func NewRateLimiter(cfg BucketConfig) *RateLimiter {
	l := &RateLimiter{cfg: cfg}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucketState)
	}
	return l
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % limiterShards
}

// Check consumes one token for key. On success it returns (true, 0). On
// failure it returns (false, retryAfter) — the caller's best estimate of
// how long until a token is available.
func (l *RateLimiter) Check(key string) (bool, time.Duration) {
	if l.cfg.Burst <= 0 {
		return true, 0
	}
	shard := &l.shards[shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	st, ok := shard.buckets[key]
	if !ok {
		shard.buckets[key] = &bucketState{tokens: float64(l.cfg.Burst - 1), last: now}
		return true, 0
	}

	perSecond := 1.0 / l.cfg.ReplenishPeriod.Seconds()
	elapsed := now.Sub(st.last).Seconds()
	st.tokens += elapsed * perSecond
	if st.tokens > float64(l.cfg.Burst) {
		st.tokens = float64(l.cfg.Burst)
	}
	st.last = now

	if st.tokens >= 1 {
		st.tokens--
		return true, 0
	}

	deficit := 1 - st.tokens
	retryAfter := time.Duration(deficit/perSecond) * time.Second
	return false, retryAfter
}

// GuardrailConfig bundles the three keyed rate limiters described for the
// relay ingress path.
type GuardrailConfig struct {
	Global BucketConfig
	IP     BucketConfig
	Token  BucketConfig
}

// Limiters holds the three independently-keyed limiter instances.
type Limiters struct {
	global *RateLimiter
	ip     *RateLimiter
	token  *RateLimiter
}

func NewLimiters(cfg GuardrailConfig) *Limiters {
	return &Limiters{
		global: NewRateLimiter(cfg.Global),
		ip:     NewRateLimiter(cfg.IP),
		token:  NewRateLimiter(cfg.Token),
	}
}

// CheckAll runs the global, per-IP, and per-token limiters in that order
// and returns the first one that rejects the request.
func (l *Limiters) CheckAll(ip, token string) (bool, time.Duration) {
	if ok, retry := l.global.Check("global"); !ok {
		return false, retry
	}
	if ok, retry := l.ip.Check(ip); !ok {
		return false, retry
	}
	if ok, retry := l.token.Check(token); !ok {
		return false, retry
	}
	return true, 0
}
