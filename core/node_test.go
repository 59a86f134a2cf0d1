package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestHelloEncodeSortsCaps(t *testing.T) {
	h := Hello{ChainID: "animica-mainnet", Caps: []string{"zk-verify", "da-sample", "mempool"}}
	data, err := h.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Hello
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"da-sample", "mempool", "zk-verify"}
	for i, c := range want {
		if decoded.Caps[i] != c {
			t.Fatalf("expected sorted caps %v, got %v", want, decoded.Caps)
		}
	}
}

func TestHelloEncodeDeterministicAcrossCapOrder(t *testing.T) {
	a := Hello{ChainID: "x", Caps: []string{"b", "a", "c"}}
	b := Hello{ChainID: "x", Caps: []string{"c", "b", "a"}}
	da, err := a.Encode()
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	db, err := b.Encode()
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytes.Equal(da, db) {
		t.Fatalf("expected identical encodings regardless of input cap order")
	}
}

func TestLenPrefixedRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := []byte("hello world")
	if err := writeLenPrefixed(buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readLenPrefixed(buf, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadLenPrefixedRejectsOversizedFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := writeLenPrefixed(buf, bytes.Repeat([]byte{0}, 100)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readLenPrefixed(buf, 10); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}

func newPipePair() (Transport, Transport) {
	a, b := net.Pipe()
	return a, b
}

func TestPerformHandshakeTCPRejectedWhenDevnetDisabled(t *testing.T) {
	a, _ := newPipePair()
	cfg := DefaultHandshakeConfig()
	_, _, err := PerformHandshakeTCP(a, true, "animica-mainnet", Hello{}, cfg)
	if err == nil {
		t.Fatalf("expected handshake to be rejected when AllowInsecureDevnet is false")
	}
}

func TestPerformHandshakeTCPEndToEnd(t *testing.T) {
	initConn, respConn := newPipePair()
	cfg := HandshakeConfig{Timeout: 5 * time.Second, AllowInsecureDevnet: true}

	type result struct {
		keys  *HandshakeKeys
		hello Hello
		err   error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		keys, hello, err := PerformHandshakeTCP(initConn, true, "animica-mainnet",
			Hello{AEADName: AEADChaCha20Poly1305, Caps: []string{"tx"}}, cfg)
		initCh <- result{keys, hello, err}
	}()
	go func() {
		keys, hello, err := PerformHandshakeTCP(respConn, false, "animica-mainnet",
			Hello{AEADName: AEADChaCha20Poly1305, Caps: []string{"blocks"}}, cfg)
		respCh <- result{keys, hello, err}
	}()

	initRes := <-initCh
	respRes := <-respCh
	if initRes.err != nil {
		t.Fatalf("initiator handshake: %v", initRes.err)
	}
	if respRes.err != nil {
		t.Fatalf("responder handshake: %v", respRes.err)
	}
	if initRes.keys.TranscriptHash != respRes.keys.TranscriptHash {
		t.Fatalf("expected matching transcript hashes")
	}
	if !bytes.Equal(initRes.keys.SendKey, respRes.keys.RecvKey) {
		t.Fatalf("expected initiator send key to equal responder recv key")
	}
	if respRes.hello.Caps[0] != "tx" {
		t.Fatalf("expected responder to see initiator's caps, got %v", respRes.hello.Caps)
	}
}

func TestPerformHandshakeTCPChainIDMismatch(t *testing.T) {
	initConn, respConn := newPipePair()
	cfg := HandshakeConfig{Timeout: 5 * time.Second, AllowInsecureDevnet: true}

	respErrCh := make(chan error, 1)
	go func() {
		_, _, err := PerformHandshakeTCP(respConn, false, "animica-testnet", Hello{AEADName: AEADChaCha20Poly1305}, cfg)
		respErrCh <- err
	}()
	initErrCh := make(chan error, 1)
	go func() {
		_, _, err := PerformHandshakeTCP(initConn, true, "animica-mainnet", Hello{AEADName: AEADChaCha20Poly1305}, cfg)
		initErrCh <- err
	}()

	respErr := <-respErrCh
	if respErr == nil {
		t.Fatalf("expected responder to reject a mismatched chain id")
	}
	// the responder bails out before replying, so the initiator is left
	// blocked reading; closing both ends of the pipe unblocks it.
	initConn.Close()
	respConn.Close()
	if initErr := <-initErrCh; initErr == nil {
		t.Fatalf("expected initiator to observe a transport error once the pipe closes")
	}
}

func TestSessionSendRecvRecordRoundTrip(t *testing.T) {
	initConn, respConn := newPipePair()
	cfg := HandshakeConfig{Timeout: 5 * time.Second, AllowInsecureDevnet: true}

	type result struct {
		keys *HandshakeKeys
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)
	go func() {
		keys, _, err := PerformHandshakeTCP(initConn, true, "animica-mainnet", Hello{AEADName: AEADChaCha20Poly1305}, cfg)
		initCh <- result{keys, err}
	}()
	go func() {
		keys, _, err := PerformHandshakeTCP(respConn, false, "animica-mainnet", Hello{AEADName: AEADChaCha20Poly1305}, cfg)
		respCh <- result{keys, err}
	}()
	initRes := <-initCh
	respRes := <-respCh
	if initRes.err != nil || respRes.err != nil {
		t.Fatalf("handshake errors: init=%v resp=%v", initRes.err, respRes.err)
	}

	initSession, err := NewSession(initConn, initRes.keys, nil)
	if err != nil {
		t.Fatalf("new initiator session: %v", err)
	}
	respSession, err := NewSession(respConn, respRes.keys, nil)
	if err != nil {
		t.Fatalf("new responder session: %v", err)
	}

	aad := []byte("tx-topic")
	payload := []byte("a signed transaction")
	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- initSession.SendRecord(aad, payload) }()

	got, err := respSession.RecvRecord(aad, 4096)
	if err != nil {
		t.Fatalf("recv record: %v", err)
	}
	if err := <-sendErrCh; err != nil {
		t.Fatalf("send record: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestDialerDialConnectsToLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	d := NewDialer(time.Second, 0)
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	<-accepted
}
