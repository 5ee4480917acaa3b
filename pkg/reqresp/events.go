package reqresp

import "github.com/umbranet/umbra/pkg/peerid"

// Event is the engine's notification stream to the embedder. Exactly
// one terminal event is delivered per RequestId: a response, an
// outbound failure, or — for inbound requests — a ResponseSent or
// inbound failure.
type Event interface {
	event()
}

// RequestReceived reports a decoded inbound request. The embedder
// must eventually answer through Channel; letting the per-request
// deadline lapse fails the exchange with InboundTimeout.
type RequestReceived[Req, Resp any] struct {
	Peer      peerid.ID
	RequestID RequestID
	Request   Req
	Channel   *ResponseChannel[Resp]
}

// ResponseReceived reports the successful completion of an outbound
// request.
type ResponseReceived[Resp any] struct {
	Peer      peerid.ID
	RequestID RequestID
	Response  Resp
}

// ResponseSent reports that an inbound response has been fully
// written to the wire.
type ResponseSent struct {
	Peer      peerid.ID
	RequestID RequestID
}

// OutboundFailureEvent terminates an outbound request without a
// response.
type OutboundFailureEvent struct {
	Peer      peerid.ID
	RequestID RequestID
	Failure   OutboundFailure
}

// InboundFailureEvent terminates an inbound request without a
// response reaching the wire.
type InboundFailureEvent struct {
	Peer      peerid.ID
	RequestID RequestID
	Failure   InboundFailure
}

func (RequestReceived[Req, Resp]) event() {}
func (ResponseReceived[Resp]) event()     {}
func (ResponseSent) event()               {}
func (OutboundFailureEvent) event()       {}
func (InboundFailureEvent) event()        {}

// OutboundFailure classifies why an outbound request died.
type OutboundFailure int

const (
	// OutboundDialFailure: no connection and none could be
	// established with the known addresses.
	OutboundDialFailure OutboundFailure = iota
	// OutboundTimeout: the per-request deadline lapsed before the
	// response arrived.
	OutboundTimeout
	// OutboundConnectionClosed: the connection died mid-exchange.
	OutboundConnectionClosed
	// OutboundUnsupportedProtocols: the remote speaks none of the
	// outbound protocols.
	OutboundUnsupportedProtocols
)

func (f OutboundFailure) Error() string {
	switch f {
	case OutboundDialFailure:
		return "dial failure"
	case OutboundTimeout:
		return "timeout while waiting for a response"
	case OutboundConnectionClosed:
		return "connection closed before a response was received"
	case OutboundUnsupportedProtocols:
		return "the remote supports none of the requested protocols"
	default:
		return "unknown outbound failure"
	}
}

// InboundFailure classifies why an inbound request died.
type InboundFailure int

const (
	// InboundTimeout: reading the request or producing the response
	// outlived the per-request deadline.
	InboundTimeout InboundFailure = iota
	// InboundConnectionClosed: the connection died before the
	// response was sent.
	InboundConnectionClosed
	// InboundUnsupportedProtocols: the stream negotiated a protocol
	// not enabled for inbound requests.
	InboundUnsupportedProtocols
	// InboundCodecError: the request could not be decoded.
	InboundCodecError
)

func (f InboundFailure) Error() string {
	switch f {
	case InboundTimeout:
		return "timeout while receiving the request or sending the response"
	case InboundConnectionClosed:
		return "connection closed before a response was sent"
	case InboundUnsupportedProtocols:
		return "the protocol is not enabled for inbound requests"
	case InboundCodecError:
		return "the request could not be decoded"
	default:
		return "unknown inbound failure"
	}
}
