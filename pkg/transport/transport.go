// Package transport provides the stream-multiplexer layer the
// request/response engine rides on: TCP connections carrying yamux
// sessions, one identity hello per connection, and multistream
// protocol negotiation per substream.
//
// The hello is not a cryptographic handshake. Each side sends its
// public-key envelope in a single serial frame and derives the remote
// peer id from it; authentication belongs to the transports layered
// beneath in a full deployment.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	yamux "github.com/libp2p/go-yamux/v5"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/multiformats/go-multistream"

	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/serial"
)

const (
	// helloVersion tags the identity hello frame.
	helloVersion = 1

	// handshakeTimeout bounds the hello exchange and protocol
	// negotiation on new connections and streams.
	handshakeTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNoAddresses is returned by Dial when no connection exists and
	// no addresses were supplied.
	ErrNoAddresses = errors.New("transport: no addresses for peer")

	// ErrPeerMismatch is returned when a dialed peer proves a
	// different identity than expected.
	ErrPeerMismatch = errors.New("transport: peer identity mismatch")

	// ErrUnsupportedProtocols is returned when protocol negotiation on
	// a new stream fails.
	ErrUnsupportedProtocols = errors.New("transport: unsupported protocols")
)

// StreamHandler handles an inbound, negotiated stream. It runs on its
// own goroutine and owns the stream.
type StreamHandler func(*Stream)

// Notifiee receives connection lifecycle callbacks.
type Notifiee interface {
	Connected(peer peerid.ID)
	Disconnected(peer peerid.ID)
}

// Transport owns the local identity, its listeners and its live
// connections.
type Transport struct {
	priv   crypto.PrivKey
	local  peerid.ID
	pubEnc []byte // marshalled public key, sent in the hello

	mu        sync.Mutex
	conns     map[peerid.ID]*Conn
	handlers  map[string]StreamHandler
	listeners []manet.Listener
	notifiees []Notifiee
	closed    bool

	wg sync.WaitGroup
}

// New creates a transport for the given identity key.
func New(priv crypto.PrivKey) (*Transport, error) {
	local, err := peerid.FromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubEnc, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("transport: encode public key: %w", err)
	}
	return &Transport{
		priv:     priv,
		local:    local,
		pubEnc:   pubEnc,
		conns:    make(map[peerid.ID]*Conn),
		handlers: make(map[string]StreamHandler),
	}, nil
}

// LocalPeer returns the transport's own peer id.
func (t *Transport) LocalPeer() peerid.ID { return t.local }

// SetStreamHandler registers the handler invoked for inbound streams
// negotiating proto.
func (t *Transport) SetStreamHandler(proto string, h StreamHandler) {
	t.mu.Lock()
	t.handlers[proto] = h
	t.mu.Unlock()
}

// RemoveStreamHandler unregisters a protocol.
func (t *Transport) RemoveStreamHandler(proto string) {
	t.mu.Lock()
	delete(t.handlers, proto)
	t.mu.Unlock()
}

// Notify registers for connection lifecycle callbacks.
func (t *Transport) Notify(n Notifiee) {
	t.mu.Lock()
	t.notifiees = append(t.notifiees, n)
	t.mu.Unlock()
}

// Listen starts accepting connections on a /ip4|ip6/.../tcp/... addr.
func (t *Transport) Listen(addr ma.Multiaddr) error {
	l, err := manet.Listen(addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(l)
	return nil
}

// ListenAddrs returns the bound listener addresses.
func (t *Transport) ListenAddrs() []ma.Multiaddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs := make([]ma.Multiaddr, 0, len(t.listeners))
	for _, l := range t.listeners {
		addrs = append(addrs, l.Multiaddr())
	}
	return addrs
}

// Connection returns the live connection to peer, if any.
func (t *Transport) Connection(peer peerid.ID) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[peer]
	return c, ok
}

// Dial returns a connection to peer, reusing a live one when present,
// otherwise trying addrs in order. The dialed peer must prove the
// expected identity.
func (t *Transport) Dial(ctx context.Context, peer peerid.ID, addrs []ma.Multiaddr) (*Conn, error) {
	if c, ok := t.Connection(peer); ok {
		return c, nil
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	var d manet.Dialer
	var lastErr error
	for _, addr := range addrs {
		nc, err := d.DialContext(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := t.setupConn(nc, false, peer)
		if err != nil {
			nc.Close()
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("transport: dial %s: %w", peer.Base58(), lastErr)
}

// Close shuts down listeners and connections and waits for the
// transport's goroutines.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) acceptLoop(l manet.Listener) {
	defer t.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if _, err := t.setupConn(nc, true, ""); err != nil {
				slog.Debug("transport: inbound setup failed", "error", err)
				nc.Close()
			}
		}()
	}
}

// setupConn runs the identity hello, starts the yamux session and
// registers the connection. With expected set, a mismatched remote
// identity fails the dial.
func (t *Transport) setupConn(nc manet.Conn, server bool, expected peerid.ID) (*Conn, error) {
	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := serial.WriteBlob(nc, helloVersion, t.pubEnc); err != nil {
		return nil, fmt.Errorf("transport: send hello: %w", err)
	}
	_, payload, err := serial.ReadBlob(nc)
	if err != nil {
		return nil, fmt.Errorf("transport: read hello: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("transport: connection closed during hello")
	}
	pk, err := crypto.UnmarshalPublicKey(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: parse hello key: %w", err)
	}
	remote, err := peerid.FromPublicKey(pk)
	if err != nil {
		return nil, err
	}
	if expected != "" && remote != expected {
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrPeerMismatch, expected.Base58(), remote.Base58())
	}
	nc.SetDeadline(time.Time{})

	var sess *yamux.Session
	if server {
		sess, err = yamux.Server(nc, yamux.DefaultConfig(), nil)
	} else {
		sess, err = yamux.Client(nc, yamux.DefaultConfig(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: start session: %w", err)
	}

	conn := &Conn{t: t, sess: sess, remote: remote}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	if existing, ok := t.conns[remote]; ok {
		// Simultaneous dial: keep the established connection.
		t.mu.Unlock()
		sess.Close()
		return existing, nil
	}
	t.conns[remote] = conn
	notifiees := append([]Notifiee(nil), t.notifiees...)
	t.mu.Unlock()

	t.wg.Add(2)
	go conn.acceptStreams()
	go t.watchConn(conn)

	for _, n := range notifiees {
		n.Connected(remote)
	}
	return conn, nil
}

// watchConn unregisters a connection once its session dies and fires
// the Disconnected callbacks.
func (t *Transport) watchConn(c *Conn) {
	defer t.wg.Done()
	<-c.sess.CloseChan()

	t.mu.Lock()
	if t.conns[c.remote] == c {
		delete(t.conns, c.remote)
	}
	notifiees := append([]Notifiee(nil), t.notifiees...)
	t.mu.Unlock()

	for _, n := range notifiees {
		n.Disconnected(c.remote)
	}
}

// handleStream negotiates an inbound stream and dispatches it to the
// registered handler.
func (t *Transport) handleStream(c *Conn, ys *yamux.Stream) {
	defer t.wg.Done()
	ys.SetDeadline(time.Now().Add(handshakeTimeout))

	t.mu.Lock()
	mux := multistream.NewMultistreamMuxer[string]()
	for proto := range t.handlers {
		mux.AddHandler(proto, nil)
	}
	t.mu.Unlock()

	proto, _, err := mux.Negotiate(ys)
	if err != nil {
		slog.Debug("transport: inbound negotiation failed", "error", err)
		ys.Reset()
		return
	}
	ys.SetDeadline(time.Time{})

	t.mu.Lock()
	h := t.handlers[proto]
	t.mu.Unlock()
	if h == nil {
		ys.Reset()
		return
	}
	h(&Stream{ys: ys, conn: c, proto: proto})
}
