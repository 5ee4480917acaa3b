package throttled

import (
	"context"
	"fmt"
	"io"

	"github.com/umbranet/umbra/pkg/reqresp"
	"github.com/umbranet/umbra/pkg/serial"
)

// Credit travels in a fixed six-byte serial envelope ahead of the
// inner codec's bytes: version tag, message tag, credit amount. Both
// ends of a connection must run the wrapper.
const envelopeVersion = 1

const (
	// msgCredit announces an absolute send budget for the receiver.
	msgCredit uint16 = 1
	// msgRequest carries an inner request.
	msgRequest uint16 = 2
	// msgResponse carries an inner response plus a re-grant.
	msgResponse uint16 = 3
	// msgAck acknowledges a credit announcement; it has no payload.
	msgAck uint16 = 4
)

// message wraps an inner payload with the credit envelope.
type message[T any] struct {
	tag     uint16
	credit  uint16
	payload T
}

// codec frames the inner codec's messages with the credit envelope.
type codec[Req, Resp any] struct {
	inner reqresp.Codec[Req, Resp]
}

func (c codec[Req, Resp]) ReadRequest(ctx context.Context, proto string, r io.Reader) (message[Req], error) {
	var m message[Req]
	tag, credit, err := readEnvelope(r)
	if err != nil {
		return m, err
	}
	m.tag, m.credit = tag, credit
	if tag == msgRequest {
		m.payload, err = c.inner.ReadRequest(ctx, proto, r)
	}
	return m, err
}

func (c codec[Req, Resp]) ReadResponse(ctx context.Context, proto string, r io.Reader) (message[Resp], error) {
	var m message[Resp]
	tag, credit, err := readEnvelope(r)
	if err != nil {
		return m, err
	}
	m.tag, m.credit = tag, credit
	if tag == msgResponse {
		m.payload, err = c.inner.ReadResponse(ctx, proto, r)
	}
	return m, err
}

func (c codec[Req, Resp]) WriteRequest(ctx context.Context, proto string, w io.Writer, m message[Req]) error {
	if err := writeEnvelope(w, m.tag, m.credit); err != nil {
		return err
	}
	if m.tag == msgRequest {
		return c.inner.WriteRequest(ctx, proto, w, m.payload)
	}
	return nil
}

func (c codec[Req, Resp]) WriteResponse(ctx context.Context, proto string, w io.Writer, m message[Resp]) error {
	if err := writeEnvelope(w, m.tag, m.credit); err != nil {
		return err
	}
	if m.tag == msgResponse {
		return c.inner.WriteResponse(ctx, proto, w, m.payload)
	}
	return nil
}

func writeEnvelope(w io.Writer, tag, credit uint16) error {
	h := serial.NewWriter(envelopeVersion)
	h.PushU16(tag)
	h.PushU16(credit)
	_, err := w.Write(h.Bytes())
	return err
}

func readEnvelope(r io.Reader) (tag, credit uint16, err error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	rd := serial.NewReader(buf[:])
	if rd.Version() != envelopeVersion {
		return 0, 0, fmt.Errorf("throttled: unknown envelope version %d", rd.Version())
	}
	return rd.PopU16(), rd.PopU16(), nil
}
