package reqresp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/telemetry"
	"github.com/umbranet/umbra/pkg/transport"
)

// RequestID correlates a request with its eventual terminal event.
// Ids are monotonically increasing and unique within the process.
type RequestID uint64

// ProtocolSupport restricts the direction a protocol is enabled for.
type ProtocolSupport int

const (
	// SupportFull enables a protocol for both directions.
	SupportFull ProtocolSupport = iota
	// SupportInbound accepts requests but never sends them.
	SupportInbound
	// SupportOutbound sends requests but rejects inbound ones.
	SupportOutbound
)

// Inbound reports whether inbound requests are accepted.
func (s ProtocolSupport) Inbound() bool { return s == SupportFull || s == SupportInbound }

// Outbound reports whether outbound requests may be sent.
func (s ProtocolSupport) Outbound() bool { return s == SupportFull || s == SupportOutbound }

// Protocol pairs a protocol id with its direction support.
type Protocol struct {
	ID      string
	Support ProtocolSupport
}

// Config tunes the engine.
type Config struct {
	// RequestTimeout bounds each read on both sides of an exchange
	// and the wait for the embedder's response. Default 10s.
	RequestTimeout time.Duration
	// DialTimeout bounds the pending phase of an outbound request
	// that needs a fresh connection. Default 10s.
	DialTimeout time.Duration
	// EventBuffer sizes the event channel. Default 64.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// ErrChannelClosed is returned by SendResponse when the inbound
// request already reached a terminal state (connection loss or
// timeout), or was answered before.
var ErrChannelClosed = errors.New("reqresp: response channel closed")

// ResponseChannel completes one inbound request. It stays valid until
// the request reaches a terminal state.
type ResponseChannel[Resp any] struct {
	peer      peerid.ID
	id        RequestID
	ch        chan Resp
	closed    chan struct{}
	responded atomic.Bool
}

// Peer returns the requesting peer.
func (c *ResponseChannel[Resp]) Peer() peerid.ID { return c.peer }

// RequestID returns the inbound request's id.
func (c *ResponseChannel[Resp]) RequestID() RequestID { return c.id }

// Option configures an Engine.
type Option func(*options)

type options struct {
	metrics *telemetry.Metrics
}

// WithMetrics attaches telemetry collectors. Nil is accepted.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Engine is the per-peer, per-protocol request/response state
// machine. Substreams run concurrently; the engine's tables are
// guarded by a single mutex and every request id sees exactly one
// terminal event while its connection lives.
type Engine[Req, Resp any] struct {
	host    *transport.Transport
	codec   Codec[Req, Resp]
	cfg     Config
	metrics *telemetry.Metrics

	outboundProtos []string
	inboundProtos  map[string]bool

	events chan Event
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	addrs    map[peerid.ID][]ma.Multiaddr
	outbound map[RequestID]peerid.ID
	closed   bool

	wg sync.WaitGroup
}

// New creates an engine speaking the given protocols over host.
// Stream handlers are registered for every protocol id; inbound
// streams for outbound-only protocols are failed with
// InboundUnsupportedProtocols.
func New[Req, Resp any](host *transport.Transport, codec Codec[Req, Resp], protocols []Protocol, cfg Config, opts ...Option) *Engine[Req, Resp] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine[Req, Resp]{
		host:          host,
		codec:         codec,
		cfg:           cfg.withDefaults(),
		metrics:       o.metrics,
		inboundProtos: make(map[string]bool, len(protocols)),
		events:        make(chan Event, cfg.withDefaults().EventBuffer),
		ctx:           ctx,
		cancel:        cancel,
		addrs:         make(map[peerid.ID][]ma.Multiaddr),
		outbound:      make(map[RequestID]peerid.ID),
	}
	for _, p := range protocols {
		if p.Support.Outbound() {
			e.outboundProtos = append(e.outboundProtos, p.ID)
		}
		e.inboundProtos[p.ID] = p.Support.Inbound()
		host.SetStreamHandler(p.ID, e.inboundHandler)
	}
	return e
}

// Host returns the underlying transport.
func (e *Engine[Req, Resp]) Host() *transport.Transport { return e.host }

// Events returns the engine's event stream. It is closed by Close.
func (e *Engine[Req, Resp]) Events() <-chan Event { return e.events }

// AddAddress feeds a dialable address for peer.
func (e *Engine[Req, Resp]) AddAddress(peer peerid.ID, addr ma.Multiaddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.addrs[peer] {
		if a.Equal(addr) {
			return
		}
	}
	e.addrs[peer] = append(e.addrs[peer], addr)
}

// RemoveAddress withdraws an address for peer.
func (e *Engine[Req, Resp]) RemoveAddress(peer peerid.ID, addr ma.Multiaddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.addrs[peer][:0]
	for _, a := range e.addrs[peer] {
		if !a.Equal(addr) {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		delete(e.addrs, peer)
	} else {
		e.addrs[peer] = kept
	}
}

func (e *Engine[Req, Resp]) addresses(peer peerid.ID) []ma.Multiaddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ma.Multiaddr(nil), e.addrs[peer]...)
}

// SendRequest issues a request to peer, dialing with the fed
// addresses when no connection exists. The id is minted and returned
// synchronously; completion or failure arrives as an event.
func (e *Engine[Req, Resp]) SendRequest(peer peerid.ID, req Req) RequestID {
	id := RequestID(e.nextID.Add(1))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return id
	}
	e.outbound[id] = peer
	e.wg.Add(1)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RequestsInFlight.Inc()
	}
	go e.runOutbound(id, peer, req)
	return id
}

// IsPendingOutbound reports whether an outbound id is still awaiting
// its terminal event.
func (e *Engine[Req, Resp]) IsPendingOutbound(peer peerid.ID, id RequestID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.outbound[id]
	return ok && p == peer
}

// SendResponse completes an inbound request. It fails with
// ErrChannelClosed when the connection was lost, the request timed
// out, or a response was already sent.
func (e *Engine[Req, Resp]) SendResponse(ch *ResponseChannel[Resp], resp Resp) error {
	if !ch.responded.CompareAndSwap(false, true) {
		return ErrChannelClosed
	}
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case ch.ch <- resp:
		return nil
	case <-ch.closed:
		return ErrChannelClosed
	}
}

// Close terminates the engine: handlers are unregistered, in-flight
// work is cancelled, and the event channel is closed once drained of
// writers. The transport itself is left to its owner.
func (e *Engine[Req, Resp]) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for proto := range e.inboundProtos {
		e.host.RemoveStreamHandler(proto)
	}
	e.cancel()
	e.wg.Wait()
	close(e.events)
	return nil
}

// runOutbound drives one outbound exchange to its terminal event.
func (e *Engine[Req, Resp]) runOutbound(id RequestID, peer peerid.ID, req Req) {
	defer e.wg.Done()

	fail := func(f OutboundFailure) {
		e.finishOutbound(id, "failure")
		e.emit(OutboundFailureEvent{Peer: peer, RequestID: id, Failure: f})
	}

	dialCtx, cancel := context.WithTimeout(e.ctx, e.cfg.DialTimeout)
	defer cancel()
	conn, err := e.host.Dial(dialCtx, peer, e.addresses(peer))
	if err != nil {
		fail(OutboundDialFailure)
		return
	}
	if len(e.outboundProtos) == 0 {
		fail(OutboundUnsupportedProtocols)
		return
	}

	stream, proto, err := conn.OpenStream(dialCtx, e.outboundProtos)
	if err != nil {
		if errors.Is(err, transport.ErrUnsupportedProtocols) {
			fail(OutboundUnsupportedProtocols)
		} else {
			fail(OutboundConnectionClosed)
		}
		return
	}

	stream.SetDeadline(time.Now().Add(e.cfg.RequestTimeout))
	if err := e.codec.WriteRequest(e.ctx, proto, stream, req); err != nil {
		stream.Reset()
		fail(outboundIOFailure(err))
		return
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		fail(OutboundConnectionClosed)
		return
	}

	resp, err := e.codec.ReadResponse(e.ctx, proto, stream)
	if err != nil {
		stream.Reset()
		fail(outboundIOFailure(err))
		return
	}
	stream.Close()

	e.finishOutbound(id, "response")
	e.emit(ResponseReceived[Resp]{Peer: peer, RequestID: id, Response: resp})
}

// inboundHandler runs on the stream's own goroutine, owned by the
// transport.
func (e *Engine[Req, Resp]) inboundHandler(stream *transport.Stream) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stream.Reset()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	e.handleInbound(stream)
}

func (e *Engine[Req, Resp]) handleInbound(stream *transport.Stream) {
	peer := stream.Conn().RemotePeer()
	proto := stream.Protocol()
	id := RequestID(e.nextID.Add(1))

	failInbound := func(f InboundFailure) {
		stream.Reset()
		if e.metrics != nil {
			e.metrics.RequestsTotal.WithLabelValues("inbound", "failure").Inc()
		}
		e.emit(InboundFailureEvent{Peer: peer, RequestID: id, Failure: f})
	}

	if !e.inboundProtos[proto] {
		failInbound(InboundUnsupportedProtocols)
		return
	}

	stream.SetReadDeadline(time.Now().Add(e.cfg.RequestTimeout))
	req, err := e.codec.ReadRequest(e.ctx, proto, stream)
	if err != nil {
		failInbound(inboundIOFailure(err))
		return
	}

	ch := &ResponseChannel[Resp]{
		peer:   peer,
		id:     id,
		ch:     make(chan Resp, 1),
		closed: make(chan struct{}),
	}
	e.emit(RequestReceived[Req, Resp]{Peer: peer, RequestID: id, Request: req, Channel: ch})

	timer := time.NewTimer(e.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch.ch:
		stream.SetWriteDeadline(time.Now().Add(e.cfg.RequestTimeout))
		if err := e.codec.WriteResponse(e.ctx, proto, stream, resp); err != nil {
			failInbound(inboundIOFailure(err))
			return
		}
		stream.CloseWrite()
		stream.Close()
		if e.metrics != nil {
			e.metrics.RequestsTotal.WithLabelValues("inbound", "response").Inc()
		}
		e.emit(ResponseSent{Peer: peer, RequestID: id})
	case <-stream.Conn().CloseChan():
		close(ch.closed)
		failInbound(InboundConnectionClosed)
	case <-timer.C:
		close(ch.closed)
		failInbound(InboundTimeout)
	case <-e.ctx.Done():
		// Engine shutdown: the embedder is gone, no event.
		close(ch.closed)
		stream.Reset()
	}
}

// finishOutbound removes id from the in-flight table. Exactly one
// caller wins per id.
func (e *Engine[Req, Resp]) finishOutbound(id RequestID, outcome string) {
	e.mu.Lock()
	delete(e.outbound, id)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RequestsInFlight.Dec()
		e.metrics.RequestsTotal.WithLabelValues("outbound", outcome).Inc()
	}
}

// emit delivers an event, dropping it only when the engine is
// shutting down.
func (e *Engine[Req, Resp]) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// outboundIOFailure maps a stream error on the requester side.
func outboundIOFailure(err error) OutboundFailure {
	if isTimeout(err) {
		return OutboundTimeout
	}
	return OutboundConnectionClosed
}

// inboundIOFailure maps a stream or decode error on the responder
// side.
func inboundIOFailure(err error) InboundFailure {
	switch {
	case isTimeout(err):
		return InboundTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return InboundConnectionClosed
	default:
		var ne net.Error
		if errors.As(err, &ne) {
			return InboundConnectionClosed
		}
		return InboundCodecError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
