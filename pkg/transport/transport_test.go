package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
)

func newTransport(t *testing.T) *Transport {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}
	tr, err := New(priv)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func listen(t *testing.T, tr *Transport) ma.Multiaddr {
	t.Helper()
	if err := tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addrs := tr.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("ListenAddrs() is empty after Listen")
	}
	return addrs[0]
}

func TestDialAndEcho(t *testing.T) {
	a := newTransport(t)
	b := newTransport(t)
	addr := listen(t, a)

	const proto = "/umbra/test/1.0.0"
	a.SetStreamHandler(proto, func(s *Stream) {
		data, err := io.ReadAll(s)
		if err != nil {
			t.Errorf("handler read error = %v", err)
			s.Reset()
			return
		}
		s.Write(data)
		s.CloseWrite()
		s.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := b.Dial(ctx, a.LocalPeer(), []ma.Multiaddr{addr})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.RemotePeer() != a.LocalPeer() {
		t.Errorf("RemotePeer() = %s, want %s", conn.RemotePeer().Base58(), a.LocalPeer().Base58())
	}

	stream, chosen, err := conn.OpenStream(ctx, []string{proto})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if chosen != proto {
		t.Errorf("negotiated %q, want %q", chosen, proto)
	}

	payload := []byte("echo me")
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := stream.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q, want %q", got, payload)
	}
	stream.Close()
}

func TestDialReusesConnection(t *testing.T) {
	a := newTransport(t)
	b := newTransport(t)
	addr := listen(t, a)

	ctx := context.Background()
	c1, err := b.Dial(ctx, a.LocalPeer(), []ma.Multiaddr{addr})
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	c2, err := b.Dial(ctx, a.LocalPeer(), nil)
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	if c1 != c2 {
		t.Error("second Dial did not reuse the live connection")
	}
}

func TestDialWithoutAddresses(t *testing.T) {
	b := newTransport(t)
	_, err := b.Dial(context.Background(), peerid.Random(), nil)
	if !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("Dial() error = %v, want ErrNoAddresses", err)
	}
}

func TestDialPeerMismatch(t *testing.T) {
	a := newTransport(t)
	b := newTransport(t)
	addr := listen(t, a)

	_, err := b.Dial(context.Background(), peerid.Random(), []ma.Multiaddr{addr})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("Dial() error = %v, want ErrPeerMismatch", err)
	}
}

func TestOpenStreamUnsupportedProtocol(t *testing.T) {
	a := newTransport(t)
	b := newTransport(t)
	addr := listen(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := b.Dial(ctx, a.LocalPeer(), []ma.Multiaddr{addr})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_, _, err = conn.OpenStream(ctx, []string{"/nobody/speaks/this"})
	if !errors.Is(err, ErrUnsupportedProtocols) {
		t.Fatalf("OpenStream() error = %v, want ErrUnsupportedProtocols", err)
	}
}

type recordingNotifiee struct {
	mu           sync.Mutex
	connected    []peerid.ID
	disconnected []peerid.ID
}

func (n *recordingNotifiee) Connected(p peerid.ID) {
	n.mu.Lock()
	n.connected = append(n.connected, p)
	n.mu.Unlock()
}

func (n *recordingNotifiee) Disconnected(p peerid.ID) {
	n.mu.Lock()
	n.disconnected = append(n.disconnected, p)
	n.mu.Unlock()
}

func (n *recordingNotifiee) snapshot() (conns, disconns []peerid.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peerid.ID(nil), n.connected...), append([]peerid.ID(nil), n.disconnected...)
}

func TestNotify(t *testing.T) {
	a := newTransport(t)
	b := newTransport(t)
	addr := listen(t, a)

	var rec recordingNotifiee
	a.Notify(&rec)

	ctx := context.Background()
	conn, err := b.Dial(ctx, a.LocalPeer(), []ma.Multiaddr{addr})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	waitFor(t, func() bool {
		conns, _ := rec.snapshot()
		return len(conns) == 1 && conns[0] == b.LocalPeer()
	}, "Connected callback")

	conn.Close()

	waitFor(t, func() bool {
		_, disconns := rec.snapshot()
		return len(disconns) == 1 && disconns[0] == b.LocalPeer()
	}, "Disconnected callback")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
