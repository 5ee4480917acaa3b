package throttled

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/reqresp"
	"github.com/umbranet/umbra/pkg/transport"
)

const echoProto = "/umbra/echo/1.0.0"

type node struct {
	host      *transport.Transport
	behaviour *Behaviour[[]byte, []byte]
	addr      ma.Multiaddr
}

func newNode(t *testing.T, receiveLimit int) *node {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}
	host, err := transport.New(priv)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	if err := host.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	b := New[[]byte, []byte](host, reqresp.BlobCodec{},
		[]reqresp.Protocol{{ID: echoProto, Support: reqresp.SupportFull}},
		reqresp.Config{})
	if receiveLimit > 0 {
		b.SetReceiveLimit(receiveLimit)
	}
	t.Cleanup(func() {
		b.Close()
		host.Close()
	})
	return &node{host: host, behaviour: b, addr: host.ListenAddrs()[0]}
}

func (n *node) id() peerid.ID { return n.host.LocalPeer() }

// echoLoop answers every request with its payload until the event
// channel closes.
func echoLoop(t *testing.T, b *Behaviour[[]byte, []byte]) {
	for ev := range b.Events() {
		if req, ok := ev.(RequestReceived[[]byte, []byte]); ok {
			if err := b.SendResponse(req.Channel, req.Request); err != nil {
				t.Errorf("SendResponse() error = %v", err)
			}
		}
	}
}

// TestThrottledRun drives k+m requests through a receiver whose
// budget is k: sending blocks once credit runs out and resumes on
// ResumeSending, and every request eventually completes.
func TestThrottledRun(t *testing.T) {
	const limit = 3
	const total = limit + 4

	a := newNode(t, limit)
	b := newNode(t, 0)
	b.behaviour.AddAddress(a.id(), a.addr)

	go echoLoop(t, a.behaviour)

	pending := make(map[reqresp.RequestID][]byte)
	sent, completed, blockedOnce := 0, 0, false

	trySend := func() {
		for sent < total {
			payload := []byte(fmt.Sprintf("ping %d", sent))
			id, ok := b.behaviour.SendRequest(a.id(), payload)
			if !ok {
				blockedOnce = true
				return
			}
			pending[id] = payload
			sent++
		}
	}

	trySend()
	deadline := time.After(30 * time.Second)
	for completed < total {
		select {
		case ev, ok := <-b.behaviour.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			switch ev := ev.(type) {
			case ResponseReceived[[]byte]:
				want, known := pending[ev.RequestID]
				if !known {
					t.Fatalf("response for unknown id %d", ev.RequestID)
				}
				if !bytes.Equal(ev.Response, want) {
					t.Fatalf("response = %q, want %q", ev.Response, want)
				}
				delete(pending, ev.RequestID)
				completed++
				trySend()
			case ResumeSending:
				if ev.Peer != a.id() {
					t.Fatalf("ResumeSending for %s, want %s", ev.Peer.Base58(), a.id().Base58())
				}
				trySend()
			case OutboundFailureEvent:
				t.Fatalf("request %d failed: %v", ev.RequestID, ev.Failure)
			case TooManyInboundRequests:
				t.Fatal("sender was reported as a violator")
			}
		case <-deadline:
			t.Fatalf("completed %d/%d before timing out (sent %d)", completed, total, sent)
		}

		if budget := b.behaviour.SendBudget(a.id()); budget < 0 {
			t.Fatalf("send budget went negative: %d", budget)
		}
	}

	if !blockedOnce {
		t.Error("sending never blocked although total exceeds the limit")
	}
	if len(pending) != 0 {
		t.Errorf("%d requests never completed", len(pending))
	}
}

// TestDefaultBudgetIsOne checks the probe allowance for peers that
// have not announced a limit yet.
func TestDefaultBudgetIsOne(t *testing.T) {
	b := newNode(t, 0)
	if budget := b.behaviour.SendBudget(peerid.Random()); budget != 1 {
		t.Fatalf("SendBudget(new peer) = %d, want 1", budget)
	}
}

// TestBudgetNeverNegative exhausts the assumed budget against an
// offline peer and checks the floor.
func TestBudgetNeverNegative(t *testing.T) {
	b := newNode(t, 0)
	offline := peerid.Random()

	if _, ok := b.behaviour.SendRequest(offline, []byte("x")); !ok {
		t.Fatal("first request refused, want the one-probe allowance")
	}
	if _, ok := b.behaviour.SendRequest(offline, []byte("x")); ok {
		t.Fatal("second request allowed beyond the assumed budget")
	}
	if budget := b.behaviour.SendBudget(offline); budget != 0 {
		t.Fatalf("SendBudget = %d, want 0", budget)
	}

	// The dial failure settles the outstanding request and restores
	// the probe credit, resuming the blocked sender.
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-b.behaviour.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			switch ev.(type) {
			case ResumeSending:
				if budget := b.behaviour.SendBudget(offline); budget < 0 || budget > 1 {
					t.Fatalf("SendBudget after settle = %d, want 0 or 1", budget)
				}
				return
			case OutboundFailureEvent:
				// Keep waiting for the resume.
			}
		case <-deadline:
			t.Fatal("no ResumeSending after the outstanding request settled")
		}
	}
}

// TestOverrideReceiveLimit verifies the announcement reaches the peer
// and lifts its window.
func TestOverrideReceiveLimit(t *testing.T) {
	a := newNode(t, 1)
	b := newNode(t, 0)
	b.behaviour.AddAddress(a.id(), a.addr)

	go echoLoop(t, a.behaviour)

	// Prime the connection with one exchange.
	id, ok := b.behaviour.SendRequest(a.id(), []byte("prime"))
	if !ok {
		t.Fatal("probe request refused")
	}
	awaitResponse(t, b.behaviour, id)

	a.behaviour.OverrideReceiveLimit(b.id(), 5)

	// The new limit arrives asynchronously; poll the budget.
	deadline := time.Now().Add(10 * time.Second)
	for b.behaviour.SendBudget(a.id()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("SendBudget = %d, want 5 after override", b.behaviour.SendBudget(a.id()))
		}
		drainEvents(b.behaviour, 50*time.Millisecond)
	}
}

func awaitResponse(t *testing.T, b *Behaviour[[]byte, []byte], id reqresp.RequestID) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			if resp, isResp := ev.(ResponseReceived[[]byte]); isResp && resp.RequestID == id {
				return
			}
			if fail, isFail := ev.(OutboundFailureEvent); isFail && fail.RequestID == id {
				t.Fatalf("request failed: %v", fail.Failure)
			}
		case <-deadline:
			t.Fatal("no response")
		}
	}
}

func drainEvents(b *Behaviour[[]byte, []byte], d time.Duration) {
	timeout := time.After(d)
	for {
		select {
		case <-b.Events():
		case <-timeout:
			return
		}
	}
}
