package mdns

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
)

// Packet is a classified mDNS datagram: Query, ServiceDiscovery or
// Response.
type Packet interface {
	packet()
}

// Query is a peer-discovery question from a remote node. Respond with
// BuildQueryResponse, echoing QueryID.
type Query struct {
	// From is the source address of the datagram.
	From *net.UDPAddr
	// QueryID is the DNS transaction id, passed back in responses.
	QueryID uint16
}

// ServiceDiscovery is a DNS-SD meta-query asking which service types
// exist. Respond with BuildServiceDiscoveryResponse.
type ServiceDiscovery struct {
	From    *net.UDPAddr
	QueryID uint16
}

// Response carries the peers advertised by a remote node. It also
// contains the responses we multicast ourselves.
type Response struct {
	From  *net.UDPAddr
	Peers []Peer
}

func (Query) packet()            {}
func (ServiceDiscovery) packet() {}
func (Response) packet()         {}

// Peer is one peer advertised in a response.
type Peer struct {
	id    peerid.ID
	ttl   uint32
	addrs []ma.Multiaddr
}

// ID returns the advertised peer id.
func (p Peer) ID() peerid.ID { return p.id }

// TTL returns the requested record time-to-live.
func (p Peer) TTL() time.Duration { return time.Duration(p.ttl) * time.Second }

// Addresses returns the peer's advertised multiaddrs, with the
// trailing /p2p component already stripped. Addresses whose trailing
// component did not match the peer id were dropped during parsing.
func (p Peer) Addresses() []ma.Multiaddr { return p.addrs }

// PacketFromBytes parses and classifies a datagram. Queries naming the
// peer service win over meta-discovery questions when both appear.
// Unparseable or irrelevant datagrams yield nil.
func PacketFromBytes(buf []byte, from *net.UDPAddr) Packet {
	var msg dns.Msg
	if err := msg.Unpack(buf); err != nil {
		slog.Warn("mdns: parsing packet failed", "error", err)
		return nil
	}
	if !msg.Response {
		if hasQuestion(&msg, ServiceName) {
			return Query{From: from, QueryID: msg.Id}
		}
		if hasQuestion(&msg, metaQueryService) {
			return ServiceDiscovery{From: from, QueryID: msg.Id}
		}
		return nil
	}
	return newResponse(&msg, from)
}

// newResponse extracts peers from the answer section and their
// addresses from the additional section.
func newResponse(msg *dns.Msg, from *net.UDPAddr) Response {
	resp := Response{From: from}
	for _, rr := range msg.Answer {
		ptr, ok := rr.(*dns.PTR)
		if !ok || !equalName(ptr.Hdr.Name, ServiceName) {
			continue
		}
		token := peerToken(strings.TrimSuffix(ptr.Ptr, "."))
		raw, err := decodeDNSCurve(token)
		if err != nil {
			continue
		}
		id, err := peerid.FromBytes(raw)
		if err != nil {
			continue
		}
		resp.Peers = append(resp.Peers, Peer{
			id:    id,
			ttl:   ptr.Hdr.Ttl,
			addrs: peerAddrs(msg, ptr.Ptr, id),
		})
	}
	return resp
}

// peerToken strips the right-most three labels (the service name) from
// a PTR value and removes any remaining label separators, leaving the
// base32 peer token.
func peerToken(value string) string {
	parts := strings.Split(value, ".")
	if len(parts) > 3 {
		return strings.Join(parts[:len(parts)-3], "")
	}
	return parts[0]
}

// peerAddrs collects the multiaddrs advertised for a peer: TXT records
// in the additional section whose name matches the PTR value, holding
// dnsaddr= strings whose trailing /p2p component equals the advertised
// id. A mismatched trailing component drops the address; it is never
// coerced to the id it names.
func peerAddrs(msg *dns.Msg, recordValue string, id peerid.ID) []ma.Multiaddr {
	var addrs []ma.Multiaddr
	for _, rr := range msg.Extra {
		txt, ok := rr.(*dns.TXT)
		if !ok || !equalName(txt.Hdr.Name, strings.TrimSuffix(recordValue, ".")) {
			continue
		}
		for _, s := range txt.Txt {
			if !strings.HasPrefix(s, dnsaddrPrefix) {
				continue
			}
			addr, err := ma.NewMultiaddr(s[len(dnsaddrPrefix):])
			if err != nil {
				continue
			}
			rest, last := ma.SplitLast(addr)
			if last == nil || last.Protocol().Code != ma.P_P2P || rest == nil {
				continue
			}
			advertised, err := peerid.Parse(last.Value())
			if err != nil || advertised != id {
				continue
			}
			addrs = append(addrs, rest)
		}
	}
	return addrs
}

func hasQuestion(msg *dns.Msg, name string) bool {
	for _, q := range msg.Question {
		if equalName(q.Name, name) {
			return true
		}
	}
	return false
}

// equalName compares a wire-format name (trailing dot, any case) to a
// bare service name.
func equalName(dnsName, want string) bool {
	return strings.EqualFold(strings.TrimSuffix(dnsName, "."), want)
}
