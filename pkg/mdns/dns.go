package mdns

import (
	"log/slog"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
)

// maxMessageSize bounds a single response packet. RFC 6762 discourages
// packets beyond the interface MTU but allows up to 9000 bytes;
// responses carrying several addresses fit comfortably under 4 KiB.
const maxMessageSize = 4096

// BuildQuery builds the periodic PTR question for the peer service.
func BuildQuery() []byte {
	msg := &dns.Msg{}
	msg.Id = dns.Id()
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(ServiceName),
		Qtype:  dns.TypePTR,
		Qclass: dns.ClassINET,
	}}
	out, err := msg.Pack()
	if err != nil {
		slog.Error("mdns: packing query failed", "error", err)
		return nil
	}
	return out
}

// BuildQueryResponse builds the response packets advertising a peer:
// a PTR answer naming the peer under the service name, and one TXT
// additional per address carrying dnsaddr=<addr>/p2p/<id>. Addresses
// are spread over several packets when one would exceed the mDNS size
// bound. At least one packet is produced even without addresses.
func BuildQueryResponse(queryID uint16, id peerid.ID, addrs []ma.Multiaddr, ttl time.Duration) [][]byte {
	ptrValue := dns.Fqdn(peerLabels(id.Bytes()) + "." + ServiceName)
	ttlSecs := uint32(ttl / time.Second)
	suffix := "/p2p/" + id.Base58()

	var packets [][]byte
	msg := newResponseMsg(queryID, ptrValue, ttlSecs)
	for _, addr := range addrs {
		txt := &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   ptrValue,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    ttlSecs,
			},
			Txt: []string{dnsaddrPrefix + addr.String() + suffix},
		}
		msg.Extra = append(msg.Extra, txt)
		if msg.Len() > maxMessageSize && len(msg.Extra) > 1 {
			msg.Extra = msg.Extra[:len(msg.Extra)-1]
			packets = appendPacked(packets, msg)
			msg = newResponseMsg(queryID, ptrValue, ttlSecs)
			msg.Extra = append(msg.Extra, txt)
		}
	}
	return appendPacked(packets, msg)
}

// BuildServiceDiscoveryResponse answers a DNS-SD meta-query with the
// peer service type.
func BuildServiceDiscoveryResponse(queryID uint16, ttl time.Duration) []byte {
	msg := &dns.Msg{}
	msg.Id = queryID
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(metaQueryService),
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    uint32(ttl / time.Second),
		},
		Ptr: dns.Fqdn(ServiceName),
	}}
	out, err := msg.Pack()
	if err != nil {
		slog.Error("mdns: packing service discovery response failed", "error", err)
		return nil
	}
	return out
}

func newResponseMsg(queryID uint16, ptrValue string, ttlSecs uint32) *dns.Msg {
	msg := &dns.Msg{}
	msg.Id = queryID
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(ServiceName),
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    ttlSecs,
		},
		Ptr: ptrValue,
	}}
	return msg
}

func appendPacked(packets [][]byte, msg *dns.Msg) [][]byte {
	out, err := msg.Pack()
	if err != nil {
		slog.Error("mdns: packing response failed", "error", err)
		return packets
	}
	return append(packets, out)
}
