package core

import (
	"testing"
	"time"
)

func TestBucketTryConsumeAndRefill(t *testing.T) {
	b := NewBucket(BucketSpec{Capacity: 10, RefillPerS: 5})
	now := time.Now()
	ok, _ := b.TryConsume(8, now)
	if !ok {
		t.Fatalf("expected consume to succeed")
	}
	ok, retry := b.TryConsume(8, now)
	if ok {
		t.Fatalf("expected consume to fail when under capacity")
	}
	if retry <= 0 {
		t.Fatalf("expected a positive retry hint")
	}
	later := now.Add(2 * time.Second)
	ok, _ = b.TryConsume(8, later)
	if !ok {
		t.Fatalf("expected consume to succeed after refill: tokens should have grown by 10")
	}
}

func TestBucketCapacityCeiling(t *testing.T) {
	b := NewBucket(BucketSpec{Capacity: 10, RefillPerS: 5})
	now := time.Now()
	later := now.Add(100 * time.Second)
	if got := b.Snapshot(later); got != 10 {
		t.Fatalf("expected bucket to cap at capacity 10, got %v", got)
	}
}

func TestHierarchicalLimiterGlobalTierRefuses(t *testing.T) {
	cfg := RatelimitConfig{
		Global:         BucketSpec{Capacity: 1, RefillPerS: 0.001},
		PerPeerDefault: BucketSpec{Capacity: 100, RefillPerS: 100},
		TopicSpecs:     map[string]BucketSpec{},
		PerPeerSpecs:   map[string]BucketSpec{},
		PerPeerTopic:   map[string]BucketSpec{},
		TopicCosts:     map[string]float64{},
	}
	l := NewHierarchicalLimiter(cfg)
	now := time.Now()
	ok, _ := l.Allow("peer-1", "tx", 1, now)
	if !ok {
		t.Fatalf("first message should be allowed")
	}
	ok, refusal := l.Allow("peer-1", "tx", 1, now)
	if ok {
		t.Fatalf("second message should be refused by the global tier")
	}
	if len(refusal.LimitingKeys) != 1 || refusal.LimitingKeys[0] != "global" {
		t.Fatalf("expected global tier to refuse, got %v", refusal.LimitingKeys)
	}
}

// TestHierarchicalLimiterMultipleTiersRefuseTogether mirrors the reference
// scenario where the global and peer tiers run dry on the same call: every
// tier is checked against one `now` snapshot, so a single Allow call can
// report more than one limiting key, sorted, with the retry set to the
// maximum wait among them.
func TestHierarchicalLimiterMultipleTiersRefuseTogether(t *testing.T) {
	cfg := RatelimitConfig{
		Global:         BucketSpec{Capacity: 2, RefillPerS: 0.001},
		PerPeerDefault: BucketSpec{Capacity: 3, RefillPerS: 0.001},
		TopicSpecs:     map[string]BucketSpec{},
		PerPeerSpecs:   map[string]BucketSpec{},
		PerPeerTopic:   map[string]BucketSpec{},
		TopicCosts:     map[string]float64{},
	}
	l := NewHierarchicalLimiter(cfg)
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow("peer-1", "tx", 1, now)
		if !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	// Third call: global is dry (peer still has headroom), so only "global"
	// refuses and the peer bucket is still consumed (no rollback).
	ok, refusal := l.Allow("peer-1", "tx", 1, now)
	if ok {
		t.Fatalf("third call should be refused by the global tier")
	}
	if len(refusal.LimitingKeys) != 1 || refusal.LimitingKeys[0] != "global" {
		t.Fatalf("expected only the global tier to refuse on call 3, got %v", refusal.LimitingKeys)
	}

	// Fourth call: both global and peer are now dry, so both tiers report a
	// refusal and the keys come back sorted.
	ok, refusal = l.Allow("peer-1", "tx", 1, now)
	if ok {
		t.Fatalf("fourth call should be refused")
	}
	want := []string{"global", "peer:peer-1"}
	if len(refusal.LimitingKeys) != len(want) {
		t.Fatalf("expected limiting keys %v, got %v", want, refusal.LimitingKeys)
	}
	for i, k := range want {
		if refusal.LimitingKeys[i] != k {
			t.Fatalf("expected limiting keys %v, got %v", want, refusal.LimitingKeys)
		}
	}
	if refusal.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry hint")
	}
}

func TestHierarchicalLimiterPeerTopicTierRefuses(t *testing.T) {
	cfg := DefaultRatelimitConfig()
	cfg.Global = BucketSpec{Capacity: 1_000_000, RefillPerS: 1_000_000}
	cfg.PerPeerDefault = BucketSpec{Capacity: 1_000_000, RefillPerS: 1_000_000}
	cfg.PerPeerTopic["blocks"] = BucketSpec{Capacity: 10, RefillPerS: 0.001}
	l := NewHierarchicalLimiter(cfg)
	now := time.Now()

	ok, _ := l.Allow("peer-1", "blocks", 1, now)
	if !ok {
		t.Fatalf("first blocks message should be allowed (cost 10 = capacity)")
	}
	ok, refusal := l.Allow("peer-1", "blocks", 1, now)
	if ok {
		t.Fatalf("second blocks message should be refused by the peer_topic tier")
	}
	if len(refusal.LimitingKeys) != 1 || refusal.LimitingKeys[0] != "peer_topic:peer-1:blocks" {
		t.Fatalf("expected peer_topic tier to refuse, got %v", refusal.LimitingKeys)
	}
}

func TestHierarchicalLimiterNoRollbackOnPartialConsumption(t *testing.T) {
	cfg := DefaultRatelimitConfig()
	cfg.Global = BucketSpec{Capacity: 1_000_000, RefillPerS: 1_000_000}
	cfg.PerPeerDefault = BucketSpec{Capacity: 1_000_000, RefillPerS: 1_000_000}
	cfg.PerPeerTopic["blocks"] = BucketSpec{Capacity: 10, RefillPerS: 0.001}
	l := NewHierarchicalLimiter(cfg)
	now := time.Now()

	l.Allow("peer-1", "blocks", 1, now)
	globalBefore := l.global.Snapshot(now)
	l.Allow("peer-1", "blocks", 1, now)
	globalAfter := l.global.Snapshot(now)
	if globalBefore == globalAfter {
		t.Fatalf("expected global tokens already consumed before the refusing tier, got no change")
	}
}

func TestCostForWeightsTopic(t *testing.T) {
	cfg := DefaultRatelimitConfig()
	if got := cfg.CostFor("blocks", 1); got != 10 {
		t.Fatalf("expected blocks cost weight 10, got %v", got)
	}
	if got := cfg.CostFor("ping", 1); got != 0.5 {
		t.Fatalf("expected ping cost weight 0.5, got %v", got)
	}
	if got := cfg.CostFor("unregistered", 1); got != 1 {
		t.Fatalf("expected unweighted topic to default to base cost, got %v", got)
	}
}

func TestPruneRemovesPeerAndPeerTopicBuckets(t *testing.T) {
	cfg := DefaultRatelimitConfig()
	l := NewHierarchicalLimiter(cfg)
	now := time.Now()
	l.Allow("peer-1", "blocks", 1, now)
	l.Prune("peer-1")
	l.mu.RLock()
	_, peerExists := l.peer["peer-1"]
	_, peerTopicExists := l.peerTp[peerTopicKey("peer-1", "blocks")]
	l.mu.RUnlock()
	if peerExists || peerTopicExists {
		t.Fatalf("expected peer and peer_topic buckets to be removed by Prune")
	}
}

func TestSetGlobalRejectsInvalidSpec(t *testing.T) {
	l := NewHierarchicalLimiter(DefaultRatelimitConfig())
	if err := l.SetGlobal(BucketSpec{Capacity: 0, RefillPerS: 5}); err == nil {
		t.Fatalf("expected zero capacity to be rejected")
	}
	if err := l.SetGlobal(BucketSpec{Capacity: 5, RefillPerS: 10}); err != nil {
		t.Fatalf("expected valid spec to be accepted: %v", err)
	}
}

func TestWaitRetriesUntilAllowed(t *testing.T) {
	cfg := RatelimitConfig{
		Global:         BucketSpec{Capacity: 1, RefillPerS: 1000},
		PerPeerDefault: BucketSpec{Capacity: 1000, RefillPerS: 1000},
		TopicSpecs:     map[string]BucketSpec{},
		PerPeerSpecs:   map[string]BucketSpec{},
		PerPeerTopic:   map[string]BucketSpec{},
		TopicCosts:     map[string]float64{},
	}
	l := NewHierarchicalLimiter(cfg)
	l.Allow("peer-1", "tx", 1, time.Now())

	slept := 0
	done := make(chan struct{})
	ok := l.Wait("peer-1", "tx", 1, func(d time.Duration) { slept++; time.Sleep(time.Millisecond) }, done)
	if !ok {
		t.Fatalf("expected Wait to eventually succeed")
	}
	if slept == 0 {
		t.Fatalf("expected at least one sleep while waiting for refill")
	}
}
