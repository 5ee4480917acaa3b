package mdns

import (
	"errors"
	"strings"
)

// Peer-id labels travel in PTR records as base32 in the DNSCurve
// variant: digits-first alphabet, bits packed least significant first.
// Neither the standard library nor the multiformats base32 packages
// implement the LSB-first bit order, so the codec lives here.
const dnscurveAlphabet = "0123456789bcdfghjklmnpqrstuvwxyz"

var errBase32 = errors.New("mdns: invalid base32 label")

var dnscurveIndex = func() (idx [256]int8) {
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(dnscurveAlphabet); i++ {
		c := dnscurveAlphabet[i]
		idx[c] = int8(i)
		idx[strings.ToUpper(string(c))[0]] = int8(i)
	}
	return
}()

// encodeDNSCurve encodes b as DNSCurve base32.
func encodeDNSCurve(b []byte) string {
	var sb strings.Builder
	sb.Grow((len(b)*8 + 4) / 5)
	var acc uint
	var nbits uint
	for _, c := range b {
		acc |= uint(c) << nbits
		nbits += 8
		for nbits >= 5 {
			sb.WriteByte(dnscurveAlphabet[acc&31])
			acc >>= 5
			nbits -= 5
		}
	}
	if nbits > 0 {
		sb.WriteByte(dnscurveAlphabet[acc&31])
	}
	return sb.String()
}

// decodeDNSCurve decodes a DNSCurve base32 string. Decoding is
// case-insensitive; unknown symbols are rejected.
func decodeDNSCurve(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*5/8)
	var acc uint
	var nbits uint
	for i := 0; i < len(s); i++ {
		v := dnscurveIndex[s[i]]
		if v < 0 {
			return nil, errBase32
		}
		acc |= uint(v) << nbits
		nbits += 5
		for nbits >= 8 {
			out = append(out, byte(acc))
			acc >>= 8
			nbits -= 8
		}
	}
	if acc != 0 {
		return nil, errBase32
	}
	return out, nil
}

// peerLabels renders a peer id's bytes as DNS labels: the DNSCurve
// base32 encoding split into chunks of at most 63 bytes.
func peerLabels(b []byte) string {
	enc := encodeDNSCurve(b)
	if len(enc) <= 63 {
		return enc
	}
	var parts []string
	for len(enc) > 63 {
		parts = append(parts, enc[:63])
		enc = enc[63:]
	}
	parts = append(parts, enc)
	return strings.Join(parts, ".")
}
