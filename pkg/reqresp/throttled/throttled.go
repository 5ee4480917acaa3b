// Package throttled wraps the request/response engine in a credit
// scheme. Each side advertises a receive budget per peer; a peer may
// keep at most that many requests in flight. Exhausted senders are
// refused locally and resume on ResumeSending; remotes that overrun
// their granted budget are reported as protocol violators.
//
// Credit moves in two ways: a limit announcement travels when a
// connection comes up and when the limit is overridden, and every
// response carries a one-credit re-grant. Until the first
// announcement arrives a sender assumes a limit of one, so a fresh
// peer can always probe. The sender keeps its budget at
// limit - outstanding, which stays violation-free even when an
// announcement crosses requests already on the wire.
package throttled

import (
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/reqresp"
	"github.com/umbranet/umbra/pkg/telemetry"
	"github.com/umbranet/umbra/pkg/transport"
)

// initialLimit is the in-flight limit a sender assumes before the
// first announcement from a peer arrives.
const initialLimit = 1

type peerState struct {
	sendBudget  int // requests we may still start
	sendLimit   int // the peer's last announced limit
	outstanding int // our requests awaiting their terminal event
	recvBudget  int // credits we granted that remain unspent
	recvLimit   int // what we advertised to the peer
	blocked     bool
}

// Option configures a Behaviour.
type Option func(*options)

type options struct {
	metrics *telemetry.Metrics
}

// WithMetrics attaches telemetry collectors. Nil is accepted.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Behaviour is the throttled request/response behaviour.
type Behaviour[Req, Resp any] struct {
	engine  *reqresp.Engine[message[Req], message[Resp]]
	events  chan Event
	metrics *telemetry.Metrics

	mu           sync.Mutex
	defaultLimit int
	peers        map[peerid.ID]*peerState
	creditIDs    map[reqresp.RequestID]struct{}  // our outbound announcements
	ackIDs       map[reqresp.RequestID]struct{}  // inbound announcements we acked
	droppedIDs   map[reqresp.RequestID]struct{}  // violations, never surfaced
	inboundIDs   map[reqresp.RequestID]peerid.ID // accepted inbound requests

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New wraps an engine speaking the given protocols over host with the
// credit scheme. Both ends of every connection must run the wrapper.
// Call SetReceiveLimit before the first connection comes up.
func New[Req, Resp any](host *transport.Transport, inner reqresp.Codec[Req, Resp], protocols []reqresp.Protocol, cfg reqresp.Config, opts ...Option) *Behaviour[Req, Resp] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	b := &Behaviour[Req, Resp]{
		events:       make(chan Event, 64),
		metrics:      o.metrics,
		defaultLimit: initialLimit,
		peers:        make(map[peerid.ID]*peerState),
		creditIDs:    make(map[reqresp.RequestID]struct{}),
		ackIDs:       make(map[reqresp.RequestID]struct{}),
		droppedIDs:   make(map[reqresp.RequestID]struct{}),
		inboundIDs:   make(map[reqresp.RequestID]peerid.ID),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	b.engine = reqresp.New[message[Req], message[Resp]](host, codec[Req, Resp]{inner: inner}, protocols, cfg, reqresp.WithMetrics(o.metrics))
	host.Notify(b)
	go b.loop()
	return b
}

// Host returns the underlying transport.
func (b *Behaviour[Req, Resp]) Host() *transport.Transport { return b.engine.Host() }

// Events returns the wrapper's event stream. It is closed by Close.
func (b *Behaviour[Req, Resp]) Events() <-chan Event { return b.events }

// AddAddress feeds a dialable address for peer.
func (b *Behaviour[Req, Resp]) AddAddress(peer peerid.ID, addr ma.Multiaddr) {
	b.engine.AddAddress(peer, addr)
}

// IsPendingOutbound reports whether an outbound id is still awaiting
// its terminal event.
func (b *Behaviour[Req, Resp]) IsPendingOutbound(peer peerid.ID, id reqresp.RequestID) bool {
	return b.engine.IsPendingOutbound(peer, id)
}

// SetReceiveLimit sets the budget advertised to peers that have no
// state yet. Existing peers keep their limit until overridden.
func (b *Behaviour[Req, Resp]) SetReceiveLimit(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	b.defaultLimit = n
	b.mu.Unlock()
}

// OverrideReceiveLimit re-advertises the budget for one peer. The new
// limit applies from the peer's next send opportunity.
func (b *Behaviour[Req, Resp]) OverrideReceiveLimit(peer peerid.ID, n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	st := b.peerLocked(peer)
	used := st.recvLimit - st.recvBudget
	st.recvLimit = n
	st.recvBudget = n - used
	if st.recvBudget < 0 {
		st.recvBudget = 0
	}
	b.announceLocked(peer, n)
	b.mu.Unlock()
}

// SendRequest issues a request when peer's credit allows it. The
// second return is false when the send budget is exhausted; callers
// then wait for ResumeSending before retrying.
func (b *Behaviour[Req, Resp]) SendRequest(peer peerid.ID, req Req) (reqresp.RequestID, bool) {
	b.mu.Lock()
	st := b.peerLocked(peer)
	if st.sendBudget == 0 {
		st.blocked = true
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.ThrottleBlockedTotal.Inc()
		}
		return 0, false
	}
	st.sendBudget--
	st.outstanding++
	id := b.engine.SendRequest(peer, message[Req]{tag: msgRequest, payload: req})
	b.mu.Unlock()
	return id, true
}

// SendResponse completes an inbound request, piggybacking a
// one-credit re-grant and restoring the local receive budget.
func (b *Behaviour[Req, Resp]) SendResponse(ch *ResponseChannel[Resp], resp Resp) error {
	b.mu.Lock()
	st := b.peerLocked(ch.Peer())
	if st.recvBudget < st.recvLimit {
		st.recvBudget++
	}
	delete(b.inboundIDs, ch.RequestID())
	b.mu.Unlock()
	return b.engine.SendResponse(ch.inner, message[Resp]{tag: msgResponse, credit: 1, payload: resp})
}

// SendBudget reports how many requests peer still allows us to start.
// Never negative.
func (b *Behaviour[Req, Resp]) SendBudget(peer peerid.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peerLocked(peer).sendBudget
}

// Close shuts the wrapper and its engine down.
func (b *Behaviour[Req, Resp]) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	err := b.engine.Close()
	<-b.loopDone
	return err
}

// Connected implements transport.Notifiee: a fresh connection gets an
// announcement of our receive limit.
func (b *Behaviour[Req, Resp]) Connected(peer peerid.ID) {
	b.mu.Lock()
	st := b.peerLocked(peer)
	b.announceLocked(peer, st.recvLimit)
	b.mu.Unlock()
}

// Disconnected implements transport.Notifiee: budgets die with the
// connection.
func (b *Behaviour[Req, Resp]) Disconnected(peer peerid.ID) {
	b.mu.Lock()
	delete(b.peers, peer)
	b.mu.Unlock()
}

// peerLocked returns peer's state, creating it with the defaults: an
// assumed limit of one until the first announcement, and the default
// receive limit.
func (b *Behaviour[Req, Resp]) peerLocked(peer peerid.ID) *peerState {
	st, ok := b.peers[peer]
	if !ok {
		st = &peerState{
			sendBudget: initialLimit,
			sendLimit:  initialLimit,
			recvBudget: b.defaultLimit,
			recvLimit:  b.defaultLimit,
		}
		b.peers[peer] = st
	}
	return st
}

// announceLocked dispatches a limit announcement and records its id
// so the ack is filtered from the event stream. Caller holds b.mu.
func (b *Behaviour[Req, Resp]) announceLocked(peer peerid.ID, limit int) {
	id := b.engine.SendRequest(peer, message[Req]{tag: msgCredit, credit: uint16(limit)})
	b.creditIDs[id] = struct{}{}
}

// loop translates engine events, applying credit accounting and
// hiding the bookkeeping messages.
func (b *Behaviour[Req, Resp]) loop() {
	defer close(b.loopDone)
	for ev := range b.engine.Events() {
		switch ev := ev.(type) {
		case reqresp.RequestReceived[message[Req], message[Resp]]:
			b.onInboundRequest(ev)
		case reqresp.ResponseReceived[message[Resp]]:
			b.onInboundResponse(ev)
		case reqresp.ResponseSent:
			b.mu.Lock()
			_, wasAck := b.ackIDs[ev.RequestID]
			delete(b.ackIDs, ev.RequestID)
			b.mu.Unlock()
			if !wasAck {
				b.emit(ResponseSent{Peer: ev.Peer, RequestID: ev.RequestID})
			}
		case reqresp.OutboundFailureEvent:
			b.onOutboundFailure(ev)
		case reqresp.InboundFailureEvent:
			b.onInboundFailure(ev)
		}
	}
	close(b.events)
}

func (b *Behaviour[Req, Resp]) onInboundRequest(ev reqresp.RequestReceived[message[Req], message[Resp]]) {
	m := ev.Request
	if m.tag == msgCredit {
		b.applyAnnouncement(ev.Peer, int(m.credit))
		b.mu.Lock()
		b.ackIDs[ev.RequestID] = struct{}{}
		b.mu.Unlock()
		b.engine.SendResponse(ev.Channel, message[Resp]{tag: msgAck})
		return
	}
	if m.tag != msgRequest {
		b.mu.Lock()
		b.droppedIDs[ev.RequestID] = struct{}{}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	st := b.peerLocked(ev.Peer)
	if st.recvBudget == 0 {
		b.droppedIDs[ev.RequestID] = struct{}{}
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.ThrottleViolationsTotal.Inc()
		}
		b.emit(TooManyInboundRequests{Peer: ev.Peer})
		return
	}
	st.recvBudget--
	b.inboundIDs[ev.RequestID] = ev.Peer
	b.mu.Unlock()

	b.emit(RequestReceived[Req, Resp]{
		Peer:      ev.Peer,
		RequestID: ev.RequestID,
		Request:   m.payload,
		Channel:   &ResponseChannel[Resp]{inner: ev.Channel},
	})
}

func (b *Behaviour[Req, Resp]) onInboundResponse(ev reqresp.ResponseReceived[message[Resp]]) {
	b.mu.Lock()
	if _, wasCredit := b.creditIDs[ev.RequestID]; wasCredit {
		delete(b.creditIDs, ev.RequestID)
		b.mu.Unlock()
		return
	}
	resume := b.settleLocked(ev.Peer, int(ev.Response.credit))
	b.mu.Unlock()

	if resume {
		b.emit(ResumeSending{Peer: ev.Peer})
	}
	if ev.Response.tag != msgResponse {
		return
	}
	b.emit(ResponseReceived[Resp]{Peer: ev.Peer, RequestID: ev.RequestID, Response: ev.Response.payload})
}

func (b *Behaviour[Req, Resp]) onOutboundFailure(ev reqresp.OutboundFailureEvent) {
	b.mu.Lock()
	if _, wasCredit := b.creditIDs[ev.RequestID]; wasCredit {
		delete(b.creditIDs, ev.RequestID)
		b.mu.Unlock()
		return
	}
	// The request died, so no re-grant will come back for it; settle
	// it locally as if one credit returned.
	resume := b.settleLocked(ev.Peer, 1)
	b.mu.Unlock()
	if resume {
		b.emit(ResumeSending{Peer: ev.Peer})
	}
	b.emit(OutboundFailureEvent{Peer: ev.Peer, RequestID: ev.RequestID, Failure: ev.Failure})
}

func (b *Behaviour[Req, Resp]) onInboundFailure(ev reqresp.InboundFailureEvent) {
	b.mu.Lock()
	if _, ok := b.droppedIDs[ev.RequestID]; ok {
		delete(b.droppedIDs, ev.RequestID)
		b.mu.Unlock()
		return
	}
	if _, ok := b.ackIDs[ev.RequestID]; ok {
		delete(b.ackIDs, ev.RequestID)
		b.mu.Unlock()
		return
	}
	if peer, ok := b.inboundIDs[ev.RequestID]; ok {
		delete(b.inboundIDs, ev.RequestID)
		st := b.peerLocked(peer)
		if st.recvBudget < st.recvLimit {
			st.recvBudget++
		}
	}
	b.mu.Unlock()
	b.emit(InboundFailureEvent{Peer: ev.Peer, RequestID: ev.RequestID, Failure: ev.Failure})
}

// applyAnnouncement installs a peer's announced limit. The budget is
// recomputed as limit minus our outstanding requests, which never
// exceeds what the peer will accept even when the announcement
// crossed requests already on the wire.
func (b *Behaviour[Req, Resp]) applyAnnouncement(peer peerid.ID, limit int) {
	if limit < 1 {
		limit = 1
	}
	b.mu.Lock()
	st := b.peerLocked(peer)
	st.sendLimit = limit
	st.sendBudget = limit - st.outstanding
	if st.sendBudget < 0 {
		st.sendBudget = 0
	}
	resume := st.blocked && st.sendBudget > 0
	if resume {
		st.blocked = false
	}
	b.mu.Unlock()
	if resume {
		b.emit(ResumeSending{Peer: peer})
	}
}

// settleLocked retires one outstanding request and applies its
// returned credit, keeping sendBudget + outstanding within the
// announced limit. It reports whether a blocked sender should be
// resumed; the caller emits ResumeSending after unlocking.
func (b *Behaviour[Req, Resp]) settleLocked(peer peerid.ID, credit int) bool {
	st := b.peerLocked(peer)
	if st.outstanding > 0 {
		st.outstanding--
	}
	st.sendBudget += credit
	if maxBudget := st.sendLimit - st.outstanding; st.sendBudget > maxBudget {
		st.sendBudget = maxBudget
	}
	if st.sendBudget < 0 {
		st.sendBudget = 0
	}
	if st.blocked && st.sendBudget > 0 {
		st.blocked = false
		return true
	}
	return false
}

// emit delivers an event unless the wrapper is shutting down.
func (b *Behaviour[Req, Resp]) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}
