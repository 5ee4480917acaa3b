package throttled

import (
	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/reqresp"
)

// Event mirrors the engine's event stream with the credit envelope
// stripped, plus the wrapper's own flow-control notifications.
type Event interface {
	throttledEvent()
}

// RequestReceived is the engine's RequestReceived with the payload
// unwrapped. Answer through the wrapper's SendResponse so the
// re-grant reaches the requester.
type RequestReceived[Req, Resp any] struct {
	Peer      peerid.ID
	RequestID reqresp.RequestID
	Request   Req
	Channel   *ResponseChannel[Resp]
}

// ResponseReceived is the engine's ResponseReceived with the payload
// unwrapped.
type ResponseReceived[Resp any] struct {
	Peer      peerid.ID
	RequestID reqresp.RequestID
	Response  Resp
}

// ResponseSent passes through from the engine.
type ResponseSent struct {
	Peer      peerid.ID
	RequestID reqresp.RequestID
}

// OutboundFailureEvent passes through from the engine.
type OutboundFailureEvent struct {
	Peer      peerid.ID
	RequestID reqresp.RequestID
	Failure   reqresp.OutboundFailure
}

// InboundFailureEvent passes through from the engine.
type InboundFailureEvent struct {
	Peer      peerid.ID
	RequestID reqresp.RequestID
	Failure   reqresp.InboundFailure
}

// ResumeSending fires when a peer's credit rises from zero after a
// refused SendRequest; blocked callers retry on it.
type ResumeSending struct {
	Peer peerid.ID
}

// TooManyInboundRequests fires when a remote exceeds the budget it
// was granted — a protocol violation. The offending request is
// dropped.
type TooManyInboundRequests struct {
	Peer peerid.ID
}

func (RequestReceived[Req, Resp]) throttledEvent() {}
func (ResponseReceived[Resp]) throttledEvent()     {}
func (ResponseSent) throttledEvent()               {}
func (OutboundFailureEvent) throttledEvent()       {}
func (InboundFailureEvent) throttledEvent()        {}
func (ResumeSending) throttledEvent()              {}
func (TooManyInboundRequests) throttledEvent()     {}

// ResponseChannel completes one inbound request through the wrapper.
type ResponseChannel[Resp any] struct {
	inner *reqresp.ResponseChannel[message[Resp]]
}

// Peer returns the requesting peer.
func (c *ResponseChannel[Resp]) Peer() peerid.ID { return c.inner.Peer() }

// RequestID returns the inbound request's id.
func (c *ResponseChannel[Resp]) RequestID() reqresp.RequestID { return c.inner.RequestID() }
