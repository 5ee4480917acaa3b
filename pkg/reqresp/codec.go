// Package reqresp layers a request/response RPC over the substream
// transport. The engine is parameterised over a codec and a set of
// protocol ids; each exchange owns one substream: the requester
// writes a single message and half-closes, the responder reads to
// end-of-stream, writes a single message and half-closes in turn.
package reqresp

import (
	"context"
	"io"

	"github.com/umbranet/umbra/pkg/serial"
)

// Codec reads and writes the request and response messages of a
// protocol. Reads run under the engine's per-request deadline; a
// codec that observes an empty frame treats the exchange as failed.
type Codec[Req, Resp any] interface {
	ReadRequest(ctx context.Context, protocol string, r io.Reader) (Req, error)
	ReadResponse(ctx context.Context, protocol string, r io.Reader) (Resp, error)
	WriteRequest(ctx context.Context, protocol string, w io.Writer, req Req) error
	WriteResponse(ctx context.Context, protocol string, w io.Writer, resp Resp) error
}

// BlobCodec is the trivial codec: requests and responses are opaque
// byte strings carried as one serial frame per direction.
type BlobCodec struct {
	// Version tags every frame. The zero value is fine for protocols
	// that never revised their wire format.
	Version uint16
}

// ReadRequest reads one length-prefixed blob. An empty frame means
// the remote gave up before sending a request.
func (c BlobCodec) ReadRequest(_ context.Context, _ string, r io.Reader) ([]byte, error) {
	return c.read(r)
}

// ReadResponse reads one length-prefixed blob. An empty frame means
// the remote never produced a response.
func (c BlobCodec) ReadResponse(_ context.Context, _ string, r io.Reader) ([]byte, error) {
	return c.read(r)
}

// WriteRequest writes req as one length-prefixed blob.
func (c BlobCodec) WriteRequest(_ context.Context, _ string, w io.Writer, req []byte) error {
	return serial.WriteBlob(w, c.Version, req)
}

// WriteResponse writes resp as one length-prefixed blob.
func (c BlobCodec) WriteResponse(_ context.Context, _ string, w io.Writer, resp []byte) error {
	return serial.WriteBlob(w, c.Version, resp)
}

func (c BlobCodec) read(r io.Reader) ([]byte, error) {
	_, payload, err := serial.ReadBlob(r)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return payload, nil
}
