package transport

import (
	"context"
	"fmt"
	"time"

	yamux "github.com/libp2p/go-yamux/v5"
	"github.com/multiformats/go-multistream"

	"github.com/umbranet/umbra/pkg/peerid"
)

// Conn is a connection to one peer, identified by its hello, carrying
// independently multiplexed substreams.
type Conn struct {
	t      *Transport
	sess   *yamux.Session
	remote peerid.ID
}

// RemotePeer returns the peer id derived from the remote's hello.
func (c *Conn) RemotePeer() peerid.ID { return c.remote }

// Close tears down the session and every open substream.
func (c *Conn) Close() error { return c.sess.Close() }

// IsClosed reports whether the session has died.
func (c *Conn) IsClosed() bool { return c.sess.IsClosed() }

// CloseChan is closed when the session dies.
func (c *Conn) CloseChan() <-chan struct{} { return c.sess.CloseChan() }

// OpenStream opens a substream and negotiates one of the given
// protocols, returning the stream and the protocol chosen. A remote
// that supports none of them yields ErrUnsupportedProtocols.
func (c *Conn) OpenStream(ctx context.Context, protocols []string) (*Stream, string, error) {
	ys, err := c.sess.OpenStream(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("transport: open stream: %w", err)
	}
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ys.SetDeadline(deadline)
	proto, err := multistream.SelectOneOf(protocols, ys)
	if err != nil {
		ys.Reset()
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedProtocols, err)
	}
	ys.SetDeadline(time.Time{})
	return &Stream{ys: ys, conn: c, proto: proto}, proto, nil
}

// acceptStreams dispatches inbound substreams for negotiation.
func (c *Conn) acceptStreams() {
	defer c.t.wg.Done()
	for {
		ys, err := c.sess.AcceptStream()
		if err != nil {
			return // session closed
		}
		c.t.wg.Add(1)
		go c.t.handleStream(c, ys)
	}
}

// Stream is a negotiated substream: half-duplex per direction, closed
// independently of its siblings.
type Stream struct {
	ys    *yamux.Stream
	conn  *Conn
	proto string
}

// Protocol returns the negotiated protocol id.
func (s *Stream) Protocol() string { return s.proto }

// Conn returns the owning connection.
func (s *Stream) Conn() *Conn { return s.conn }

func (s *Stream) Read(p []byte) (int, error)  { return s.ys.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.ys.Write(p) }

// Close closes both directions.
func (s *Stream) Close() error { return s.ys.Close() }

// CloseWrite half-closes the stream: the remote observes EOF after
// draining, while reads stay open.
func (s *Stream) CloseWrite() error { return s.ys.CloseWrite() }

// Reset abruptly terminates both directions.
func (s *Stream) Reset() error { return s.ys.Reset() }

func (s *Stream) SetDeadline(t time.Time) error      { return s.ys.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.ys.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.ys.SetWriteDeadline(t) }
