package core

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BucketSpec describes one token bucket's capacity and refill rate.
type BucketSpec struct {
	Capacity   float64
	RefillPerS float64
}

func (s BucketSpec) validate() error {
	if s.Capacity <= 0 {
		return fmt.Errorf("bucket capacity must be > 0, got %v", s.Capacity)
	}
	if s.RefillPerS <= 0 {
		return fmt.Errorf("bucket refill rate must be > 0, got %v", s.RefillPerS)
	}
	return nil
}

// Bucket is the single token-bucket implementation shared by every tier of
// the hierarchy (global, topic, peer, peer x topic) — collapsing what the
// reference keeps as three near-identical classes into one.
type Bucket struct {
	mu       sync.Mutex
	spec     BucketSpec
	tokens   float64
	lastSeen time.Time
}

// NewBucket returns a bucket starting full.
func NewBucket(spec BucketSpec) *Bucket {
	return &Bucket{spec: spec, tokens: spec.Capacity, lastSeen: time.Now()}
}

func (b *Bucket) refillLocked(now time.Time) {
	if b.lastSeen.IsZero() {
		b.lastSeen = now
		return
	}
	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.spec.RefillPerS
	if b.tokens > b.spec.Capacity {
		b.tokens = b.spec.Capacity
	}
	b.lastSeen = now
}

// TryConsume attempts to take cost tokens at the given instant. It reports
// whether the request is allowed and, if not, how long the caller should
// wait before retrying.
func (b *Bucket) TryConsume(cost float64, now time.Time) (allowed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	deficit := cost - b.tokens
	waitS := deficit / b.spec.RefillPerS
	return false, time.Duration(waitS * float64(time.Second))
}

// Snapshot reports the bucket's current token count without consuming.
func (b *Bucket) Snapshot(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}

// RatelimitConfig configures every tier of the hierarchy plus the
// topic-cost table used to weight admission checks.
type RatelimitConfig struct {
	Global         BucketSpec
	PerPeerDefault BucketSpec
	TopicSpecs     map[string]BucketSpec
	PerPeerSpecs   map[string]BucketSpec
	PerPeerTopic   map[string]BucketSpec // key: topic; each peer gets its own bucket per topic
	TopicCosts     map[string]float64
}

// DefaultRatelimitConfig matches the reference default_config tuning.
func DefaultRatelimitConfig() RatelimitConfig {
	return RatelimitConfig{
		Global:         BucketSpec{Capacity: 400, RefillPerS: 200},
		PerPeerDefault: BucketSpec{Capacity: 100, RefillPerS: 50},
		TopicSpecs:     map[string]BucketSpec{},
		PerPeerSpecs:   map[string]BucketSpec{},
		PerPeerTopic: map[string]BucketSpec{
			"blocks":  {Capacity: 20, RefillPerS: 5},
			"headers": {Capacity: 40, RefillPerS: 10},
			"tx":      {Capacity: 200, RefillPerS: 100},
			"shares":  {Capacity: 50, RefillPerS: 25},
			"ping":    {Capacity: 10, RefillPerS: 2},
		},
		TopicCosts: map[string]float64{
			"blocks":  10,
			"headers": 2,
			"tx":      1,
			"shares":  1,
			"ping":    0.5,
		},
	}
}

// CostFor returns the weighted cost of one message on topic, defaulting to
// baseCost when the topic has no specific weight.
func (c RatelimitConfig) CostFor(topic string, baseCost float64) float64 {
	if w, ok := c.TopicCosts[topic]; ok {
		return baseCost * w
	}
	return baseCost
}

func peerTopicKey(peerID, topic string) string { return peerID + "\x00" + topic }

// LimiterRefusal reports which tier(s) refused an admission request. It is
// not an error: callers use it to decide whether/when to retry. RetryAfter is
// the maximum wait across every refusing tier; LimitingKeys lists every
// refusing tier's key, sorted (e.g. "global", "peer:p1").
type LimiterRefusal struct {
	RetryAfter   time.Duration
	LimitingKeys []string
}

// HierarchicalLimiter enforces Global, Topic, Peer, and Peer x Topic
// admission together. Every configured tier is checked against the same
// `now` snapshot and consumed regardless of whether an earlier tier already
// refused; a tier's refusal does NOT roll back tokens already taken from
// another tier. This is deliberate: rolling back would let a peer probe
// tier boundaries for free by repeatedly tripping the last tier, and because
// every tier shares one `now` snapshot the accounting stays fair.
type HierarchicalLimiter struct {
	mu sync.RWMutex

	cfg    RatelimitConfig
	global *Bucket
	topic  map[string]*Bucket
	peer   map[string]*Bucket
	peerTp map[string]*Bucket
}

// NewHierarchicalLimiter builds a limiter from the given configuration.
func NewHierarchicalLimiter(cfg RatelimitConfig) *HierarchicalLimiter {
	return &HierarchicalLimiter{
		cfg:    cfg,
		global: NewBucket(cfg.Global),
		topic:  make(map[string]*Bucket),
		peer:   make(map[string]*Bucket),
		peerTp: make(map[string]*Bucket),
	}
}

func (l *HierarchicalLimiter) topicBucketLocked(topic string) *Bucket {
	if b, ok := l.topic[topic]; ok {
		return b
	}
	spec, ok := l.cfg.TopicSpecs[topic]
	if !ok {
		return nil
	}
	b := NewBucket(spec)
	l.topic[topic] = b
	return b
}

func (l *HierarchicalLimiter) peerBucketLocked(peerID string) *Bucket {
	if b, ok := l.peer[peerID]; ok {
		return b
	}
	spec := l.cfg.PerPeerDefault
	if s, ok := l.cfg.PerPeerSpecs[peerID]; ok {
		spec = s
	}
	b := NewBucket(spec)
	l.peer[peerID] = b
	return b
}

func (l *HierarchicalLimiter) peerTopicBucketLocked(peerID, topic string) *Bucket {
	key := peerTopicKey(peerID, topic)
	if b, ok := l.peerTp[key]; ok {
		return b
	}
	spec, ok := l.cfg.PerPeerTopic[topic]
	if !ok {
		return nil
	}
	b := NewBucket(spec)
	l.peerTp[key] = b
	return b
}

// Allow checks admission for one message of the given base cost on topic
// from peerID against every configured tier (Global, Topic, Peer, Peer x
// Topic). Every tier is checked against the same `now` snapshot regardless
// of whether an earlier tier already refused; a missing tier (no spec
// configured) is treated as unbounded and skipped. If any tier refuses,
// Allow returns allowed=false with RetryAfter set to the maximum wait across
// every refusing tier and LimitingKeys set to every refusing tier's key,
// sorted.
func (l *HierarchicalLimiter) Allow(peerID, topic string, baseCost float64, now time.Time) (bool, *LimiterRefusal) {
	cost := l.cfg.CostFor(topic, baseCost)

	l.mu.Lock()
	global := l.global
	topicBucket := l.topicBucketLocked(topic)
	peerBucket := l.peerBucketLocked(peerID)
	peerTopicBucket := l.peerTopicBucketLocked(peerID, topic)
	l.mu.Unlock()

	violated := make(map[string]time.Duration)

	if ok, retry := global.TryConsume(cost, now); !ok {
		violated["global"] = retry
	}
	if topicBucket != nil {
		if ok, retry := topicBucket.TryConsume(cost, now); !ok {
			violated["topic:"+topic] = retry
		}
	}
	if ok, retry := peerBucket.TryConsume(cost, now); !ok {
		violated["peer:"+peerID] = retry
	}
	if peerTopicBucket != nil {
		if ok, retry := peerTopicBucket.TryConsume(cost, now); !ok {
			violated["peer_topic:"+peerID+":"+topic] = retry
		}
	}

	if len(violated) == 0 {
		return true, nil
	}

	keys := make([]string, 0, len(violated))
	var maxWait time.Duration
	for k, wait := range violated {
		keys = append(keys, k)
		if wait > maxWait {
			maxWait = wait
		}
	}
	sort.Strings(keys)
	return false, &LimiterRefusal{RetryAfter: maxWait, LimitingKeys: keys}
}

// SetGlobal replaces the global tier's spec and resets its bucket.
func (l *HierarchicalLimiter) SetGlobal(spec BucketSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Global = spec
	l.global = NewBucket(spec)
	return nil
}

// SetTopic replaces (or installs) a per-topic tier spec.
func (l *HierarchicalLimiter) SetTopic(topic string, spec BucketSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.TopicSpecs[topic] = spec
	l.topic[topic] = NewBucket(spec)
	return nil
}

// SetPeer replaces (or installs) a per-peer override spec.
func (l *HierarchicalLimiter) SetPeer(peerID string, spec BucketSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.PerPeerSpecs[peerID] = spec
	l.peer[peerID] = NewBucket(spec)
	return nil
}

// SetPeerTopic replaces (or installs) a peer x topic override spec.
func (l *HierarchicalLimiter) SetPeerTopic(peerID, topic string, spec BucketSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := peerTopicKey(peerID, topic)
	l.peerTp[key] = NewBucket(spec)
	return nil
}

// Prune drops per-peer and per-peer-topic buckets for peerID, used when a
// peer is forgotten from the peer store so its buckets don't leak memory
// forever.
func (l *HierarchicalLimiter) Prune(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peer, peerID)
	for key := range l.peerTp {
		if len(key) > len(peerID) && key[:len(peerID)] == peerID && key[len(peerID)] == 0 {
			delete(l.peerTp, key)
		}
	}
}

// Wait blocks the caller with capped exponential backoff until admission
// succeeds or ctxDone fires. backoff starts at 10ms and grows by 1.6x per
// attempt, capped at 250ms, matching the reference wait() helper.
func (l *HierarchicalLimiter) Wait(peerID, topic string, baseCost float64, sleep func(time.Duration), ctxDone <-chan struct{}) bool {
	backoff := 10 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond
	for {
		ok, refusal := l.Allow(peerID, topic, baseCost, time.Now())
		if ok {
			return true
		}
		wait := refusal.RetryAfter
		if wait <= 0 || wait > backoff {
			wait = backoff
		}
		select {
		case <-ctxDone:
			return false
		default:
		}
		sleep(wait)
		backoff = time.Duration(float64(backoff) * 1.6)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
