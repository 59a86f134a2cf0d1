package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Transport is the minimal stream abstraction the handshake and session
// layers operate over: a real libp2p stream, a raw net.Conn (the devnet
// TCP path), or a net.Pipe end in tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Hello is a convenience envelope for the caller-serialized HELLO frames
// the handshake engine treats as opaque bytes. The core never parses a
// HELLO it receives over the wire; this type exists only so a caller isn't
// forced to invent its own canonical encoding.
type Hello struct {
	ProtocolVersion uint32      `json:"protocol_version"`
	ChainID         string      `json:"chain_id"`
	AlgPolicyRoot   []byte      `json:"alg_policy_root"`
	AEADName        AEADName    `json:"aead_name"`
	KEMAlgID        string      `json:"kem_alg_id"`
	Roles           PeerRole    `json:"roles"`
	Caps            []string    `json:"caps"`
	IdentityPubKey  []byte      `json:"identity_pub_key"`
	IdentityAlg     IdentityAlg `json:"identity_alg"`
	KEMPublicKey    []byte      `json:"kem_public_key,omitempty"`
	KEMCiphertext   []byte      `json:"kem_ciphertext,omitempty"`
}

// Encode produces a deterministic encoding suitable for transcript
// binding: standard JSON with map keys already fixed by struct field
// order, and sorted capability tags so two equivalent Hellos never encode
// differently.
func (h Hello) Encode() ([]byte, error) {
	sorted := append([]string(nil), h.Caps...)
	sortStrings(sorted)
	h.Caps = sorted
	return json.Marshal(h)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

const devnetMagic = "ANIMICA/TCP/HS/V0"

func writeLenPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

const maxHelloFrameBytes = 64 * 1024

// PerformHandshakeTCP runs the lightweight devnet handshake over conn. It
// is only reachable when cfg.AllowInsecureDevnet is true: it provides no
// peer authentication by itself (identity signing over the returned
// transcript hash is the protocol layer's job), so it must never be
// reachable outside a local development profile.
func PerformHandshakeTCP(conn Transport, isInitiator bool, chainID string, localHello Hello, cfg HandshakeConfig) (*HandshakeKeys, Hello, error) {
	var zero Hello
	if !cfg.AllowInsecureDevnet {
		return nil, zero, &PolicyError{Reason: "insecure devnet handshake disabled"}
	}

	localHello.ChainID = chainID
	localBytes, err := localHello.Encode()
	if err != nil {
		return nil, zero, &HandshakeError{Reason: "encode local hello", Err: err}
	}

	if isInitiator {
		st, kemPub, err := InitiatorBegin(localBytes, localHello.AEADName)
		if err != nil {
			return nil, zero, err
		}
		if err := writeLenPrefixed(conn, []byte(devnetMagic)); err != nil {
			return nil, zero, &TransportError{Op: "write magic", Err: err}
		}
		if err := writeLenPrefixed(conn, localBytes); err != nil {
			return nil, zero, &TransportError{Op: "write hello_i", Err: err}
		}
		if err := writeLenPrefixed(conn, kemPub); err != nil {
			return nil, zero, &TransportError{Op: "write kem pk", Err: err}
		}

		peerMagic, err := readLenPrefixed(conn, 256)
		if err != nil {
			return nil, zero, &TransportError{Op: "read magic", Err: err}
		}
		if string(peerMagic) != devnetMagic {
			return nil, zero, &HandshakeError{Reason: "magic mismatch"}
		}
		helloRBytes, err := readLenPrefixed(conn, maxHelloFrameBytes)
		if err != nil {
			return nil, zero, &TransportError{Op: "read hello_r", Err: err}
		}
		ct, err := readLenPrefixed(conn, 16*1024)
		if err != nil {
			return nil, zero, &TransportError{Op: "read kem ct", Err: err}
		}
		var remoteHello Hello
		if err := json.Unmarshal(helloRBytes, &remoteHello); err != nil {
			return nil, zero, &HandshakeError{Reason: "decode hello_r", Err: err}
		}
		if remoteHello.ChainID != chainID {
			return nil, zero, &PolicyError{Reason: "chain id mismatch"}
		}
		keys, err := st.InitiatorComplete(helloRBytes, ct)
		if err != nil {
			return nil, zero, err
		}
		return keys, remoteHello, nil
	}

	peerMagic, err := readLenPrefixed(conn, 256)
	if err != nil {
		return nil, zero, &TransportError{Op: "read magic", Err: err}
	}
	if string(peerMagic) != devnetMagic {
		return nil, zero, &HandshakeError{Reason: "magic mismatch"}
	}
	helloIBytes, err := readLenPrefixed(conn, maxHelloFrameBytes)
	if err != nil {
		return nil, zero, &TransportError{Op: "read hello_i", Err: err}
	}
	kemPubI, err := readLenPrefixed(conn, 16*1024)
	if err != nil {
		return nil, zero, &TransportError{Op: "read kem pk", Err: err}
	}
	var remoteHello Hello
	if err := json.Unmarshal(helloIBytes, &remoteHello); err != nil {
		return nil, zero, &HandshakeError{Reason: "decode hello_i", Err: err}
	}
	if remoteHello.ChainID != chainID {
		return nil, zero, &PolicyError{Reason: "chain id mismatch"}
	}

	if err := writeLenPrefixed(conn, []byte(devnetMagic)); err != nil {
		return nil, zero, &TransportError{Op: "write magic", Err: err}
	}
	if err := writeLenPrefixed(conn, localBytes); err != nil {
		return nil, zero, &TransportError{Op: "write hello_r", Err: err}
	}
	ct, keys, err := ResponderRespond(helloIBytes, kemPubI, localBytes, localHello.AEADName)
	if err != nil {
		return nil, zero, err
	}
	if err := writeLenPrefixed(conn, ct); err != nil {
		return nil, zero, &TransportError{Op: "write kem ct", Err: err}
	}
	return keys, remoteHello, nil
}

// Session is one live, keyed connection to a peer: a transport plus the
// per-direction AEAD contexts derived from a completed handshake.
type Session struct {
	conn    Transport
	send    *AEADContext
	recv    *AEADContext
	recvSeq uint64
	peer    *Peer
	keys    *HandshakeKeys
}

// NewSession wraps a transport and derived keys into a ready-to-use
// session for one peer.
func NewSession(conn Transport, keys *HandshakeKeys, peer *Peer) (*Session, error) {
	send, err := NewAEADContext(keys.AEAD, keys.SendKey, keys.SendNonceBase)
	if err != nil {
		return nil, err
	}
	recv, err := NewAEADContext(keys.AEAD, keys.RecvKey, keys.RecvNonceBase)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, send: send, recv: recv, peer: peer, keys: keys}, nil
}

// SendRecord seals and writes one length-prefixed application record.
func (s *Session) SendRecord(aad, plaintext []byte) error {
	ct, _, err := s.send.Encrypt(plaintext, aad)
	if err != nil {
		return err
	}
	if err := writeLenPrefixed(s.conn, ct); err != nil {
		return &TransportError{Op: "send record", Err: err}
	}
	return nil
}

// RecvRecord reads and opens the next record. The session's recvSeq counter
// tracks the expected receive sequence (Decrypt never advances the receive
// context), so records must arrive in order.
func (s *Session) RecvRecord(aad []byte, maxLen uint32) ([]byte, error) {
	ct, err := readLenPrefixed(s.conn, maxLen)
	if err != nil {
		return nil, &TransportError{Op: "recv record", Err: err}
	}
	pt, err := s.recv.Decrypt(ct, s.recvSeq, aad)
	if err != nil {
		return nil, err
	}
	s.recvSeq++
	return pt, nil
}

// Close releases the underlying transport.
func (s *Session) Close() error { return s.conn.Close() }

// NodeConfig configures a running Node. It generalizes the teacher's
// Config with the P2P-core-specific policy fields the handshake and
// scoring layers need.
type NodeConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	ChainID        string
	AlgPolicyRoot  []byte
	AEAD           AEADName
	IdentityAlg    IdentityAlg
	Handshake      HandshakeConfig
	Score          ScoreParams
	Ratelimit      RatelimitConfig
	PeerStorePath  string
}

// DefaultNodeConfig returns conservative production defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:    "/ip4/0.0.0.0/tcp/0",
		DiscoveryTag:  "animica-p2p",
		AEAD:          AEADChaCha20Poly1305,
		IdentityAlg:   IdentityDilithium3,
		Handshake:     DefaultHandshakeConfig(),
		Score:         DefaultScoreParams(),
		Ratelimit:     DefaultRatelimitConfig(),
		PeerStorePath: "animica-peers.db",
	}
}

// Node is the P2P core's runtime: a libp2p host for gossip transport, a
// durable peer store, a hierarchical rate limiter, and the live peer/
// session tables the rest of the core reads and writes.
type Node struct {
	host   host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subLock   sync.Mutex
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[string]*Peer
	sessions map[string]*Session

	nat     *NATManager
	limiter *HierarchicalLimiter
	store   *PeerStore
	ident   *IdentityKeypair

	ctx    context.Context
	cancel context.CancelFunc
	cfg    NodeConfig
}

// host narrows the libp2p host.Host surface Node actually uses, so a fake
// can stand in for tests that don't want a real libp2p stack.
type host interface {
	ID() p2ppeer.ID
	Connect(ctx context.Context, pi p2ppeer.AddrInfo) error
	Close() error
}

// NewNode bootstraps a Node: libp2p host + gossipsub, best-effort NAT
// mapping, the durable peer store, the rate limiter, and bootstrap dialing.
func NewNode(cfg NodeConfig) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}

	store, err := OpenPeerStore(cfg.PeerStorePath)
	if err != nil {
		h.Close()
		cancel()
		return nil, err
	}

	n := &Node{
		host:     h,
		pubsub:   ps,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		peers:    make(map[string]*Peer),
		sessions: make(map[string]*Session),
		limiter:  NewHierarchicalLimiter(cfg.Ratelimit),
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
	}

	natMgr, err := NewNATManager()
	if err == nil {
		if port, perr := parsePort(cfg.ListenAddr); perr == nil {
			if merr := natMgr.Map(port); merr != nil {
				logrus.Warnf("nat map failed: %v", merr)
			}
		}
		n.nat = natMgr
	} else {
		logrus.Warnf("nat discovery failed: %v", err)
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("dial seed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee.
func (n *Node) HandlePeerFound(info p2ppeer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := info.ID.String()

	n.peerLock.RLock()
	_, exists := n.peers[id]
	n.peerLock.RUnlock()
	if exists {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("connect to discovered peer %s: %v", id, err)
		return
	}

	p := NewPeer(id, n.cfg.Score)
	p.Addrs = []string{info.String()}
	p.OnConnected()

	n.peerLock.Lock()
	n.peers[id] = p
	n.peerLock.Unlock()

	if err := n.store.UpsertPeer(p.Snapshot()); err != nil {
		logrus.Warnf("persist discovered peer %s: %v", id, err)
	}
	logrus.Infof("connected to peer %s via mdns", id)
}

// DialSeed connects to a list of bootstrap multiaddr strings.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := p2ppeer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		id := pi.ID.String()
		p := NewPeer(id, n.cfg.Score)
		p.Addrs = []string{addr}
		p.OnConnected()

		n.peerLock.Lock()
		n.peers[id] = p
		n.peerLock.Unlock()

		if err := n.store.UpsertPeer(p.Snapshot()); err != nil {
			logrus.Warnf("persist seed peer %s: %v", id, err)
		}
		logrus.Infof("bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Broadcast publishes data on topic, subject to this node's own rate
// limiter entry so a local bug can't flood the network either.
func (n *Node) Broadcast(topic string, data []byte) error {
	if ok, refusal := n.limiter.Allow(n.host.ID().String(), topic, 1, time.Now()); !ok {
		return fmt.Errorf("rate limited on %s, retry after %s", strings.Join(refusal.LimitingKeys, ","), refusal.RetryAfter)
	}
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

// GossipMessage is one inbound pubsub delivery.
type GossipMessage struct {
	From  string
	Topic string
	Data  []byte
}

// Subscribe listens for messages on a topic, scoring each delivery against
// the sender's peer record.
func (n *Node) Subscribe(topic string) (<-chan GossipMessage, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan GossipMessage)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				logrus.Warnf("subscription next error: %v", err)
				return
			}
			from := msg.GetFrom().String()
			n.recordGossip(from, topic, len(msg.Data))
			select {
			case out <- GossipMessage{From: from, Topic: topic, Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *Node) recordGossip(peerID, topic string, nBytes int) {
	n.peerLock.RLock()
	p, ok := n.peers[peerID]
	n.peerLock.RUnlock()
	if !ok {
		return
	}
	p.RecordIn(topic, nBytes, true, false)
}

// Peers returns a snapshot of the currently known peers.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Disconnect marks a peer Disconnected and drops its live session.
func (n *Node) Disconnect(id string) {
	n.peerLock.Lock()
	if p, ok := n.peers[id]; ok {
		p.OnDisconnected()
	}
	if s, ok := n.sessions[id]; ok {
		s.Close()
		delete(n.sessions, id)
	}
	n.peerLock.Unlock()
	if err := n.store.RecordDisconnection(id, time.Now()); err != nil {
		logrus.Warnf("record disconnection for %s: %v", id, err)
	}
}

// ListenAndServe blocks until the node's context is cancelled.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	logrus.Info("p2p node shutting down")
}

// Close tears down the node: context cancellation, NAT unmap, sessions,
// host, and peer store.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	n.peerLock.Lock()
	for _, s := range n.sessions {
		s.Close()
	}
	n.peerLock.Unlock()
	if n.store != nil {
		n.store.Close()
	}
	return n.host.Close()
}

// Dialer manages plain outbound TCP connections, used for the devnet
// handshake path rather than the libp2p transport.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a dialer with the given timeout and keepalive.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to a remote TCP address.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}
