package core

import (
	"bytes"
	"testing"
)

func TestHandshakeEndToEndDerivesMatchingKeys(t *testing.T) {
	helloI := []byte("hello-i-frame")
	helloR := []byte("hello-r-frame")

	initState, kemPub, err := InitiatorBegin(helloI, AEADChaCha20Poly1305)
	if err != nil {
		t.Fatalf("initiator begin: %v", err)
	}

	ct, responderKeys, err := ResponderRespond(helloI, kemPub, helloR, AEADChaCha20Poly1305)
	if err != nil {
		t.Fatalf("responder respond: %v", err)
	}

	initiatorKeys, err := initState.InitiatorComplete(helloR, ct)
	if err != nil {
		t.Fatalf("initiator complete: %v", err)
	}

	if initiatorKeys.TranscriptHash != responderKeys.TranscriptHash {
		t.Fatalf("transcript hash mismatch between initiator and responder")
	}
	if !bytes.Equal(initiatorKeys.SendKey, responderKeys.RecvKey) {
		t.Fatalf("initiator send key must equal responder recv key")
	}
	if !bytes.Equal(initiatorKeys.RecvKey, responderKeys.SendKey) {
		t.Fatalf("initiator recv key must equal responder send key")
	}
	if !bytes.Equal(initiatorKeys.SendNonceBase, responderKeys.RecvNonceBase) {
		t.Fatalf("initiator send nonce base must equal responder recv nonce base")
	}

	sess, err := NewAEADContext(AEADChaCha20Poly1305, initiatorKeys.SendKey, initiatorKeys.SendNonceBase)
	if err != nil {
		t.Fatalf("new aead context: %v", err)
	}
	recv, err := NewAEADContext(AEADChaCha20Poly1305, responderKeys.RecvKey, responderKeys.RecvNonceBase)
	if err != nil {
		t.Fatalf("new recv aead context: %v", err)
	}
	ciphertext, seq, err := sess.Encrypt([]byte("application data"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := recv.Decrypt(ciphertext, seq, nil)
	if err != nil {
		t.Fatalf("decrypt with derived keys: %v", err)
	}
	if string(pt) != "application data" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
}

func TestHandshakeTranscriptBindsHelloBytes(t *testing.T) {
	helloI := []byte("hello-i-frame")
	helloR := []byte("hello-r-frame")
	tamperedHelloR := []byte("hello-r-frame-tampered")

	initState, kemPub, err := InitiatorBegin(helloI, AEADChaCha20Poly1305)
	if err != nil {
		t.Fatalf("initiator begin: %v", err)
	}
	ct, responderKeys, err := ResponderRespond(helloI, kemPub, helloR, AEADChaCha20Poly1305)
	if err != nil {
		t.Fatalf("responder respond: %v", err)
	}
	initiatorKeys, err := initState.InitiatorComplete(tamperedHelloR, ct)
	if err != nil {
		t.Fatalf("initiator complete: %v", err)
	}
	if initiatorKeys.TranscriptHash == responderKeys.TranscriptHash {
		t.Fatalf("transcript hash must diverge when hello_r bytes differ")
	}
}

func TestDefaultHandshakeConfigDisablesDevnetByDefault(t *testing.T) {
	cfg := DefaultHandshakeConfig()
	if cfg.AllowInsecureDevnet {
		t.Fatalf("devnet handshake must be disabled by default")
	}
	if cfg.Timeout <= 0 {
		t.Fatalf("expected a positive default timeout")
	}
}
