package core

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Transcript domain tag and HKDF info label, versioned so a future wire
// revision can't be confused with this one.
const (
	transcriptDomainTag = "animica/p2p/hs/v1"
	keyScheduleInfo     = "animica/p2p/hs/keys/v1"
)

// kemScheme is the sole KEM instantiation the handshake engine depends on.
// The contract (generate/encapsulate/decapsulate) is what the core actually
// needs; ML-KEM-768/Kyber768 is just the concrete choice wired in here.
var kemScheme = kyber768.Scheme()

// HandshakeKeys bundles the symmetric material derived by a completed
// handshake: opposing AEAD keys/nonce-bases and the channel-binding
// transcript hash, which the protocol layer signs with the peer's identity
// key before any application message flows.
type HandshakeKeys struct {
	AEAD           AEADName
	SendKey        []byte
	RecvKey        []byte
	SendNonceBase  []byte
	RecvNonceBase  []byte
	TranscriptHash [32]byte
	SharedSecret   []byte // raw KEM ss, retained only for diagnostics
}

// InitiatorState is the ephemeral state an initiator keeps between flight 1
// (sending HELLO-I) and finalize (receiving HELLO-R).
type InitiatorState struct {
	helloIBytes []byte
	kemPub      kem.PublicKey
	kemPriv     kem.PrivateKey
	kemPubBytes []byte
	aead        AEADName
}

func th(helloI, helloR, kemPubI, kemCtR []byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(transcriptDomainTag))
	writeFramed(h, "IHELLO", helloI)
	writeFramed(h, "RHELLO", helloR)
	writeFramed(h, "KEM-PK-I", kemPubI)
	writeFramed(h, "KEM-CT-R", kemCtR)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// writeFramed hashes len32(label) || label || len32(blob) || blob, binding both the label
// and the exact byte length so adjacent fields can never be confused for
// each other (length-extension-proof framing).
func writeFramed(w io.Writer, label string, blob []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(label)))
	w.Write(lenBuf[:])
	io.WriteString(w, label)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	w.Write(lenBuf[:])
	w.Write(blob)
}

// handshakeRole selects which half of the OKM layout a side uses to send vs
// receive; see deriveHandshakeKeys.
type handshakeRole int

const (
	roleInitiator handshakeRole = iota
	roleResponder
)

func deriveHandshakeKeys(role handshakeRole, ss []byte, transcriptHash [32]byte, aead AEADName) (*HandshakeKeys, error) {
	const outLen = aeadKeySize*2 + aeadNonceSize*2
	r := hkdf.New(sha3.New256, ss, transcriptHash[:], []byte(keyScheduleInfo))
	okm := make([]byte, outLen)
	if _, err := io.ReadFull(r, okm); err != nil {
		return nil, &HandshakeError{Reason: "hkdf expand", Err: err}
	}

	clientWriteKey := okm[0:aeadKeySize]
	serverWriteKey := okm[aeadKeySize : aeadKeySize*2]
	clientNonceBase := okm[aeadKeySize*2 : aeadKeySize*2+aeadNonceSize]
	serverNonceBase := okm[aeadKeySize*2+aeadNonceSize : aeadKeySize*2+aeadNonceSize*2]

	keys := &HandshakeKeys{AEAD: aead, TranscriptHash: transcriptHash, SharedSecret: ss}
	switch role {
	case roleInitiator:
		keys.SendKey, keys.RecvKey = clientWriteKey, serverWriteKey
		keys.SendNonceBase, keys.RecvNonceBase = clientNonceBase, serverNonceBase
	case roleResponder:
		keys.SendKey, keys.RecvKey = serverWriteKey, clientWriteKey
		keys.SendNonceBase, keys.RecvNonceBase = serverNonceBase, clientNonceBase
	}
	return keys, nil
}

// InitiatorBegin is flight 1 on the initiator: generate an ephemeral KEM
// keypair and return the public key, which the caller sends to the
// responder alongside its HELLO-I frame (the transcript binds it as a
// separate field). helloIBytes must be EXACTLY the HELLO-I bytes the caller
// puts on the wire, or the two sides' transcripts will diverge.
func InitiatorBegin(helloIBytes []byte, aead AEADName) (*InitiatorState, []byte, error) {
	pub, priv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "kem keygen", Err: err}
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "marshal kem public key", Err: err}
	}
	st := &InitiatorState{
		helloIBytes: append([]byte(nil), helloIBytes...),
		kemPub:      pub,
		kemPriv:     priv,
		kemPubBytes: pubBytes,
		aead:        aead,
	}
	return st, pubBytes, nil
}

// InitiatorComplete is the initiator's finalize step, run after receiving
// the responder's HELLO-R and KEM ciphertext.
func (st *InitiatorState) InitiatorComplete(helloRBytes, kemCiphertext []byte) (*HandshakeKeys, error) {
	ss, err := kemScheme.Decapsulate(st.kemPriv, kemCiphertext)
	if err != nil {
		return nil, &HandshakeError{Reason: "kem decapsulation failed", Err: err}
	}
	transcriptHash := th(st.helloIBytes, helloRBytes, st.kemPubBytes, kemCiphertext)
	return deriveHandshakeKeys(roleInitiator, ss, transcriptHash, st.aead)
}

// ResponderRespond is the responder's single-shot flight 2: encapsulate to
// the initiator's KEM public key, derive keys, and return the ciphertext
// the caller must send (verbatim) to the initiator alongside its HELLO-R
// frame; helloRBytes is fixed before the ciphertext exists, and the
// transcript binds the ciphertext as a separate field.
func ResponderRespond(helloIBytes, kemPubI, helloRBytes []byte, aead AEADName) (ciphertext []byte, keys *HandshakeKeys, err error) {
	pub, err := kemScheme.UnmarshalBinaryPublicKey(kemPubI)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "malformed kem public key", Err: err}
	}
	ct, ss, err := kemScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "kem encapsulation failed", Err: err}
	}
	transcriptHash := th(helloIBytes, helloRBytes, kemPubI, ct)
	keys, err = deriveHandshakeKeys(roleResponder, ss, transcriptHash, aead)
	if err != nil {
		return nil, nil, err
	}
	return ct, keys, nil
}

// HandshakeConfig holds the handshake timeout and gates the insecure devnet
// path. Timeout is carried as configuration only: neither the handshake
// functions above nor PerformHandshakeTCP set a deadline from it. The
// lightweight TCP handshake provides no authentication and must never be
// reachable unless a caller outside the core explicitly opts in for a
// devnet profile.
type HandshakeConfig struct {
	Timeout             time.Duration
	AllowInsecureDevnet bool
}

// DefaultHandshakeConfig returns conservative production defaults.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{Timeout: 10 * time.Second, AllowInsecureDevnet: false}
}
