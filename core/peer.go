package core

import (
	"math"
	"strings"
	"sync"
	"time"
)

// PeerStatus mirrors the lifecycle state machine: Dialing -> Connected ->
// Disconnected -> Banned, with Banned terminal. String values are
// lower-case so they round-trip with the peer-store's persisted JSON.
type PeerStatus string

const (
	StatusDialing      PeerStatus = "dialing"
	StatusConnected    PeerStatus = "connected"
	StatusDisconnected PeerStatus = "disconnected"
	StatusBanned       PeerStatus = "banned"
)

// PeerRole is a bitset of capabilities a peer advertises, ordered to match
// the original IntFlag enum so persisted snapshots stay compatible.
type PeerRole uint32

const (
	RoleNone        PeerRole = 0
	RoleFull        PeerRole = 1 << 0
	RoleLight       PeerRole = 1 << 1
	RoleMiner       PeerRole = 1 << 2
	RoleDAOnly      PeerRole = 1 << 3
	RoleProviderAI  PeerRole = 1 << 4
	RoleProviderQPU PeerRole = 1 << 5
	RoleRelay       PeerRole = 1 << 6
)

func (r PeerRole) Has(flag PeerRole) bool { return r&flag != 0 }

// ScoreParams tunes the scoring model. Defaults match the reference
// implementation's ScoreParams dataclass.
type ScoreParams struct {
	Base                 float64
	DecayHalfLifeS       float64
	RTTRefMs             float64
	RTTSlope             float64
	GoodMsgWeight        float64
	BadMsgPenalty        float64
	DupePenalty          float64
	TopicCap             float64
	PenaltyDecayHalfLife float64
	BanThreshold         float64
	UptimeBonusMax       float64
	UptimeBonusRate      float64
	FlapPenalty          float64
	FlapWindowS          float64
}

// DefaultScoreParams returns the reference default tuning.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		Base:                 10.0,
		DecayHalfLifeS:       120.0,
		RTTRefMs:             150.0,
		RTTSlope:             0.015,
		GoodMsgWeight:        0.002,
		BadMsgPenalty:        0.2,
		DupePenalty:          0.05,
		TopicCap:             15.0,
		PenaltyDecayHalfLife: 600.0,
		BanThreshold:         -10.0,
		UptimeBonusMax:       20.0,
		UptimeBonusRate:      0.002,
		FlapPenalty:          2.0,
		FlapWindowS:          300.0,
	}
}

// TopicScore tracks per-topic gossip hygiene counters.
type TopicScore struct {
	Valid        uint64
	Invalid      uint64
	DuplicateMsg uint64
	BytesIn      uint64
	BytesOut     uint64
}

// qualityScore combines hygiene counters into a score clamped to
// +/-params.TopicCap so no single topic can dominate the total.
func (ts *TopicScore) qualityScore(params ScoreParams) float64 {
	q := float64(ts.Valid)*params.GoodMsgWeight -
		float64(ts.Invalid)*params.BadMsgPenalty -
		float64(ts.DuplicateMsg)*params.DupePenalty
	if q > params.TopicCap {
		return params.TopicCap
	}
	if q < -params.TopicCap {
		return -params.TopicCap
	}
	return q
}

// decayedPenalty applies exponential half-life decay to an accumulated
// penalty value given the elapsed seconds since it was last observed.
func decayedPenalty(v, elapsedS, halfLifeS float64) float64 {
	if v == 0 || halfLifeS <= 0 {
		return v
	}
	return v * math.Pow(0.5, elapsedS/halfLifeS)
}

// Peer is the mutable runtime record for one remote node. All fields are
// guarded by mu; callers must go through the methods below rather than
// touching fields directly from more than one goroutine.
type Peer struct {
	mu sync.Mutex

	ID        string
	Addrs     []string
	Roles     PeerRole
	Caps      []string
	Status    PeerStatus
	FirstSeen time.Time
	LastSeen  time.Time
	ConnectAt time.Time

	RTTMs      float64
	rttSamples int
	rttAnomaly *AnomalyDetector

	Topics map[string]*TopicScore
	bucket *Bucket

	penalties    float64
	penaltiesAtS float64
	score        float64

	lastDisconnect   time.Time
	reconnectCount   int
	flapWindowStartS float64

	HeadHeight uint64
	ChainID    string
	AlgRoot    []byte

	params ScoreParams
}

// NewPeer constructs a Peer in the Dialing state.
func NewPeer(id string, params ScoreParams) *Peer {
	now := time.Now()
	return &Peer{
		ID:         id,
		Status:     StatusDialing,
		FirstSeen:  now,
		LastSeen:   now,
		Topics:     make(map[string]*TopicScore),
		rttAnomaly: NewAnomalyDetector(),
		params:     params,
	}
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// OnConnected transitions Dialing/Disconnected -> Connected, applying a
// flap penalty if the peer reconnected within FlapWindowS of its last
// disconnect.
func (p *Peer) OnConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if !p.lastDisconnect.IsZero() && now.Sub(p.lastDisconnect).Seconds() < p.params.FlapWindowS {
		p.applyPenaltyLocked(p.params.FlapPenalty)
		p.reconnectCount++
	}
	p.Status = StatusConnected
	p.ConnectAt = now
	p.LastSeen = now
}

// OnDisconnected transitions to Disconnected unless the peer is Banned.
func (p *Peer) OnDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == StatusBanned {
		return
	}
	p.Status = StatusDisconnected
	p.lastDisconnect = time.Now()
}

// SeenNow bumps the last-seen timestamp without changing status.
func (p *Peer) SeenNow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeen = time.Now()
}

// UpdateRTT folds in a new round-trip sample. A sample more than three
// standard deviations from the peer's historical mean is treated as an
// anomaly: it is still folded into the running mean (so the detector
// adapts) but adds a penalty of BadMsgPenalty to the peer's decaying
// penalty total rather than being trusted at face value, which a plain EWMA
// would not catch.
func (p *Peer) UpdateRTT(sampleMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rttSamples > 0 {
		if z := p.rttAnomaly.Score(sampleMs); z > 3 {
			p.applyPenaltyLocked(p.params.BadMsgPenalty)
		}
	}
	p.rttAnomaly.Update(sampleMs)
	p.rttSamples++
	const alpha = 0.2
	if p.rttSamples == 1 {
		p.RTTMs = sampleMs
	} else {
		p.RTTMs = alpha*sampleMs + (1-alpha)*p.RTTMs
	}
}

func (p *Peer) ensureTopicLocked(topic string) *TopicScore {
	ts, ok := p.Topics[topic]
	if !ok {
		ts = &TopicScore{}
		p.Topics[topic] = ts
	}
	return ts
}

// RecordIn credits (or debits) hygiene counters for an inbound gossip
// message: valid, invalid, or a duplicate of one already seen.
func (p *Peer) RecordIn(topic string, nBytes int, valid, duplicate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.ensureTopicLocked(topic)
	ts.BytesIn += uint64(nBytes)
	switch {
	case duplicate:
		ts.DuplicateMsg++
	case valid:
		ts.Valid++
	default:
		ts.Invalid++
	}
}

// RecordOut credits bytes sent on a topic.
func (p *Peer) RecordOut(topic string, nBytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.ensureTopicLocked(topic)
	ts.BytesOut += uint64(nBytes)
}

// applyPenaltyLocked accumulates a penalty, decaying whatever was already
// present since it was last touched. Caller must hold mu.
func (p *Peer) applyPenaltyLocked(amount float64) {
	now := nowSeconds()
	if p.penaltiesAtS > 0 {
		p.penalties = decayedPenalty(p.penalties, now-p.penaltiesAtS, p.params.PenaltyDecayHalfLife)
	}
	p.penalties += amount
	p.penaltiesAtS = now
}

// ApplyPenalty adds amount to the peer's single decaying penalty total.
// Penalties are not tracked per reason.
func (p *Peer) ApplyPenalty(amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyPenaltyLocked(amount)
}

// DecayScores forces the decayed-penalty accumulator to the current time
// without adding anything, used by periodic maintenance sweeps.
func (p *Peer) DecayScores() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := nowSeconds()
	if p.penaltiesAtS > 0 {
		p.penalties = decayedPenalty(p.penalties, now-p.penaltiesAtS, p.params.PenaltyDecayHalfLife)
		p.penaltiesAtS = now
	}
}

// ComputeScore recomputes and returns the composite score:
//
//	base + sum(topic quality) - rtt_penalty - decayed_penalties + uptime_bonus
//
// Crossing BanThreshold transitions the peer to Banned as a side effect.
func (p *Peer) ComputeScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	score := p.params.Base
	for _, ts := range p.Topics {
		score += ts.qualityScore(p.params)
	}

	ref := p.params.RTTRefMs
	if ref < 1 {
		ref = 1
	}
	over := (p.RTTMs - p.params.RTTRefMs) / ref
	if over < 0 {
		over = 0
	}
	score -= over * (100.0 * p.params.RTTSlope)

	now := nowSeconds()
	if p.penaltiesAtS > 0 {
		p.penalties = decayedPenalty(p.penalties, now-p.penaltiesAtS, p.params.PenaltyDecayHalfLife)
		p.penaltiesAtS = now
	}
	score -= p.penalties

	if !p.ConnectAt.IsZero() && p.Status == StatusConnected {
		uptimeS := time.Since(p.ConnectAt).Seconds()
		bonus := uptimeS * p.params.UptimeBonusRate
		if bonus > p.params.UptimeBonusMax {
			bonus = p.params.UptimeBonusMax
		}
		score += bonus
	}

	p.score = score
	if score < p.params.BanThreshold && p.Status != StatusBanned {
		p.Status = StatusBanned
	}
	return score
}

// GossipHealth reports the fraction of valid-to-total messages observed
// across all topics, for diagnostics.
func (p *Peer) GossipHealth() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var valid, total uint64
	for _, ts := range p.Topics {
		valid += ts.Valid
		total += ts.Valid + ts.Invalid + ts.DuplicateMsg
	}
	if total == 0 {
		return 1.0
	}
	return float64(valid) / float64(total)
}

// SetBucket attaches the peer's publish-rate bucket (owned by the
// hierarchical limiter; stored here only for quick per-peer lookups by
// callers that already hold a Peer reference).
func (p *Peer) SetBucket(b *Bucket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bucket = b
}

// Snapshot returns an immutable copy of the peer's persisted-relevant
// fields, suitable for handing to the peer store.
type PeerSnapshot struct {
	ID         string
	Addrs      []string
	Roles      PeerRole
	Caps       []string
	Status     PeerStatus
	FirstSeen  time.Time
	LastSeen   time.Time
	RTTMs      float64
	Score      float64
	HeadHeight uint64
	ChainID    string
	AlgRoot    []byte
}

func (p *Peer) Snapshot() PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := append([]string(nil), p.Addrs...)
	caps := append([]string(nil), p.Caps...)
	return PeerSnapshot{
		ID:         p.ID,
		Addrs:      addrs,
		Roles:      p.Roles,
		Caps:       caps,
		Status:     p.Status,
		FirstSeen:  p.FirstSeen,
		LastSeen:   p.LastSeen,
		RTTMs:      p.RTTMs,
		Score:      p.score,
		HeadHeight: p.HeadHeight,
		ChainID:    p.ChainID,
		AlgRoot:    append([]byte(nil), p.AlgRoot...),
	}
}

// SupportsTopic is a lightweight claim check: whether this peer's advertised
// roles cover the given gossip topic. Detailed subscription tracking is the
// gossip mesh's job; this is a conservative filter mirroring the reference
// supports_topic predicate, including its permissive fallback for any topic
// that isn't one of the four named families.
func (p *Peer) SupportsTopic(topic string) bool {
	p.mu.Lock()
	roles := p.Roles
	p.mu.Unlock()

	switch {
	case strings.Contains(topic, "blocks") || strings.Contains(topic, "headers"):
		return roles&(RoleFull|RoleRelay) != 0
	case strings.Contains(topic, "txs"):
		return roles&(RoleFull|RoleLight|RoleRelay) != 0
	case strings.Contains(topic, "shares"):
		return roles&(RoleMiner|RoleRelay) != 0
	case strings.Contains(topic, "da"):
		return roles&(RoleDAOnly|RoleFull|RoleRelay) != 0
	default:
		return true
	}
}

// ExpectChain records the chain-id and algorithm-policy-root the peer
// asserted at handshake time, for later comparison against the local
// node's policy.
func (p *Peer) ExpectChain(chainID string, algPolicyRoot []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChainID = chainID
	p.AlgRoot = append([]byte(nil), algPolicyRoot...)
}

// MatchesPolicy reports whether the peer's recorded chain-id and
// algorithm-policy-root match the given ones, using a constant-time
// comparison for the policy root since it is derived from security-critical
// configuration.
func (p *Peer) MatchesPolicy(chainID string, algPolicyRoot []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ChainID == chainID && equalConstantTime(p.AlgRoot, algPolicyRoot)
}
