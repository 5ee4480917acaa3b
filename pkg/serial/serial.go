// Package serial implements the minimal length-prefixed byte codec used
// for ancillary wire encoding. Every buffer starts with a big-endian
// u16 version tag pushed at construction, and each payload is preceded
// by a big-endian u16 length (65535 max). Truncated reads yield zero
// values; callers treat an empty payload as end-of-stream.
package serial

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxPayload is the largest payload a single length prefix can carry.
const MaxPayload = 65535

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("serial: payload exceeds 65535 bytes")

// Writer accumulates serialized values. The version tag is pushed
// first, at construction.
type Writer struct {
	buf     []byte
	version uint16
}

// NewWriter creates a Writer and pushes the version tag.
func NewWriter(version uint16) *Writer {
	w := &Writer{version: version}
	w.PushU16(version)
	return w
}

// Version returns the version tag the writer was created with.
func (w *Writer) Version() uint16 { return w.version }

// Len returns the number of bytes written so far, version tag included.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// PushU16 appends a big-endian u16.
func (w *Writer) PushU16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// PushBytes appends a length-prefixed byte string. Payloads larger
// than MaxPayload are a programmer error.
func (w *Writer) PushBytes(p []byte) {
	if len(p) > MaxPayload {
		panic("serial: payload exceeds 65535 bytes")
	}
	w.PushU16(uint16(len(p)))
	w.buf = append(w.buf, p...)
}

// Reader pops serialized values from a buffer. The version tag is
// popped at construction; a buffer too short for it reads as version 0.
type Reader struct {
	buf     []byte
	pos     int
	version uint16
}

// NewReader creates a Reader over buf and pops the version tag.
func NewReader(buf []byte) *Reader {
	r := &Reader{buf: buf}
	r.version = r.PopU16()
	return r
}

// Version returns the version tag read at construction.
func (r *Reader) Version() uint16 { return r.version }

// PopU16 reads a big-endian u16, or 0 if the buffer is exhausted.
func (r *Reader) PopU16() uint16 {
	if r.pos+2 > len(r.buf) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

// PopBytes reads a length-prefixed byte string. A zero length or a
// truncated buffer yields nil; callers treat that as end-of-stream.
func (r *Reader) PopBytes() []byte {
	sz := int(r.PopU16())
	if sz == 0 || r.pos+sz > len(r.buf) {
		return nil
	}
	out := make([]byte, sz)
	copy(out, r.buf[r.pos:r.pos+sz])
	r.pos += sz
	return out
}

// SkipU16 advances past a u16 without decoding it.
func (r *Reader) SkipU16() { r.pos += 2 }

// SkipBytes advances past a length-prefixed byte string.
func (r *Reader) SkipBytes() { r.pos += int(r.PopU16()) }

// WriteBlob writes a single versioned, length-prefixed payload to w.
// This is the framing used for one-message-per-direction exchanges.
func WriteBlob(w io.Writer, version uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 0, 4+len(payload))
	buf = binary.BigEndian.AppendUint16(buf, version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadBlob reads a single versioned, length-prefixed payload from r.
// A stream that ends before the payload is complete yields an empty
// payload and no error; callers treat empty as end-of-stream.
func ReadBlob(r io.Reader) (version uint16, payload []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return 0, nil, eosOrErr(err)
	}
	version = binary.BigEndian.Uint16(hdr[:2])
	if _, err := io.ReadFull(r, hdr[2:4]); err != nil {
		return version, nil, eosOrErr(err)
	}
	sz := int(binary.BigEndian.Uint16(hdr[2:4]))
	if sz == 0 {
		return version, nil, nil
	}
	payload = make([]byte, sz)
	if _, err := io.ReadFull(r, payload); err != nil {
		return version, nil, eosOrErr(err)
	}
	return version, payload, nil
}

// eosOrErr maps a clean end-of-stream to the empty-payload contract and
// keeps everything else (deadlines, resets) as a real error.
func eosOrErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}
