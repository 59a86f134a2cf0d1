package core

import "errors"

// Error kinds for the P2P core. Session-terminal kinds close the transport
// and drop AEAD key material; see TransportError/HandshakeError/AeadError/
// PolicyError below. LimiterRefusal is not an error, it is a structured
// admission-control result (see HierarchicalLimiter.Allow).

// TransportError wraps an I/O failure on the underlying stream. The session
// is terminal once this is returned.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "p2p: transport error (" + e.Op + "): " + e.Err.Error() }
func (e *TransportError) Unwrap() error  { return e.Err }

// HandshakeError is returned for KEM key generation, encapsulation or
// decapsulation failures, a malformed KEM public key, a key-schedule
// failure, and, on the devnet path, a magic mismatch or a HELLO that cannot
// be encoded or decoded. On the devnet path a truncated or oversized frame is reported as
// TransportError and a chain-id mismatch as PolicyError; no handshake
// timeout is enforced. The peer is never persisted on this path, and the
// detailed cause is never sent to the remote side.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return "p2p: handshake failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "p2p: handshake failed: " + e.Reason
}
func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrSequenceExhausted is returned by AEADContext.Encrypt once the sequence
// counter would wrap past 2^64-1.
var ErrSequenceExhausted = errors.New("p2p: aead sequence counter exhausted")

// AeadError covers authentication failures and AEAD misconfiguration
// (bad key/nonce length). Sequence exhaustion is reported as the bare
// ErrSequenceExhausted sentinel above, not wrapped in an AeadError.
type AeadError struct {
	Reason string
	Err    error
}

func (e *AeadError) Error() string {
	if e.Err != nil {
		return "p2p: aead error: " + e.Reason + ": " + e.Err.Error()
	}
	return "p2p: aead error: " + e.Reason
}
func (e *AeadError) Unwrap() error { return e.Err }

// PolicyError covers chain-id / algorithm-policy-root mismatches and banned
// peer reconnect attempts. The session is terminal and a penalty is recorded
// against the offending peer by the caller.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "p2p: policy violation: " + e.Reason }

// StoreError surfaces peer-store I/O failures. It is not session-terminal
// by itself.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "p2p: store error (" + e.Op + "): " + e.Err.Error() }
func (e *StoreError) Unwrap() error  { return e.Err }
