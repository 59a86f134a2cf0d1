package core

import (
	"crypto"
	"crypto/rand"
	"math"
	"sync"

	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/eddilithium3"
	"golang.org/x/crypto/sha3"
)

// IdentityAlg identifies a peer's signature scheme. The numeric values are
// the wire algorithm_tag bytes embedded in a peer-id.
type IdentityAlg byte

const (
	IdentityDilithium3 IdentityAlg = 0x31
	// IdentityEdDilithium3 pairs Ed448 with Dilithium3 so a classical break
	// of one scheme alone doesn't compromise the identity.
	IdentityEdDilithium3 IdentityAlg = 0x32
)

// IdentityKeypair holds a generated identity keypair and the algorithm it
// belongs to.
type IdentityKeypair struct {
	Alg     IdentityAlg
	Public  []byte
	Private []byte
}

// GenerateIdentity creates a fresh keypair for the requested algorithm.
func GenerateIdentity(alg IdentityAlg) (*IdentityKeypair, error) {
	switch alg {
	case IdentityDilithium3:
		pub, priv, err := mode3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &IdentityKeypair{Alg: alg, Public: pub.Bytes(), Private: priv.Bytes()}, nil
	case IdentityEdDilithium3:
		pub, priv, err := eddilithium3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &IdentityKeypair{Alg: alg, Public: pub.Bytes(), Private: priv.Bytes()}, nil
	default:
		return nil, &PolicyError{Reason: "unsupported identity algorithm"}
	}
}

// PeerIDFromPublicKey derives a peer-id as sha3_256(pubkey) || algorithm_tag.
func PeerIDFromPublicKey(alg IdentityAlg, pub []byte) []byte {
	sum := sha3.Sum256(pub)
	out := make([]byte, 0, len(sum)+1)
	out = append(out, sum[:]...)
	out = append(out, byte(alg))
	return out
}

// SignTranscript signs the handshake transcript hash, optionally folding in
// extra protocol-layer fields (e.g. an algorithm-policy root) the caller
// wants bound into the signature without the core dictating that policy.
func SignTranscript(alg IdentityAlg, priv []byte, th []byte, extra ...[]byte) ([]byte, error) {
	msg := th
	if len(extra) > 0 {
		combined := make([]byte, 0, len(th)+sumLens(extra))
		combined = append(combined, th...)
		for _, e := range extra {
			combined = append(combined, e...)
		}
		msg = combined
	}
	switch alg {
	case IdentityDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(priv); err != nil {
			return nil, err
		}
		return sk.Sign(rand.Reader, msg, crypto.Hash(0))
	case IdentityEdDilithium3:
		var sk eddilithium3.PrivateKey
		if err := sk.UnmarshalBinary(priv); err != nil {
			return nil, err
		}
		return sk.Sign(rand.Reader, msg, crypto.Hash(0))
	default:
		return nil, &PolicyError{Reason: "unsupported identity algorithm"}
	}
}

// VerifyTranscript verifies a transcript signature produced by
// SignTranscript, re-deriving the same signed message.
func VerifyTranscript(alg IdentityAlg, pub []byte, th []byte, sig []byte, extra ...[]byte) (bool, error) {
	msg := th
	if len(extra) > 0 {
		combined := make([]byte, 0, len(th)+sumLens(extra))
		combined = append(combined, th...)
		for _, e := range extra {
			combined = append(combined, e...)
		}
		msg = combined
	}
	switch alg {
	case IdentityDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return false, err
		}
		return mode3.Verify(&pk, msg, sig), nil
	case IdentityEdDilithium3:
		var pk eddilithium3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return false, err
		}
		return eddilithium3.Verify(&pk, msg, sig), nil
	default:
		return false, &PolicyError{Reason: "unsupported identity algorithm"}
	}
}

func sumLens(bs [][]byte) int {
	n := 0
	for _, b := range bs {
		n += len(b)
	}
	return n
}

// AnomalyDetector calculates streaming mean/variance for z-score detection,
// used to flag RTT samples that deviate sharply from a peer's history.
type AnomalyDetector struct {
	mu    sync.RWMutex
	mean  float64
	m2    float64
	count int
}

// NewAnomalyDetector returns a new detector.
func NewAnomalyDetector() *AnomalyDetector { return &AnomalyDetector{} }

// Update incorporates a new observation.
func (ad *AnomalyDetector) Update(v float64) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	ad.count++
	delta := v - ad.mean
	ad.mean += delta / float64(ad.count)
	ad.m2 += delta * (v - ad.mean)
}

// Score returns the absolute z-score for a value. If insufficient data is
// available the score is zero.
func (ad *AnomalyDetector) Score(v float64) float64 {
	ad.mu.RLock()
	mean, m2, n := ad.mean, ad.m2, ad.count
	ad.mu.RUnlock()
	if n < 2 {
		return 0
	}
	variance := m2 / float64(n-1)
	if variance == 0 {
		if v == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs((v - mean) / math.Sqrt(variance))
}
