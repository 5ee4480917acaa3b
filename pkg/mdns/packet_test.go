package mdns

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
)

var testFrom = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 5353}

func TestClassifyQuery(t *testing.T) {
	pkt := PacketFromBytes(BuildQuery(), testFrom)
	q, ok := pkt.(Query)
	if !ok {
		t.Fatalf("PacketFromBytes() = %T, want Query", pkt)
	}
	if q.From != testFrom {
		t.Errorf("From = %v, want %v", q.From, testFrom)
	}
}

func TestClassifyServiceDiscovery(t *testing.T) {
	msg := &dns.Msg{}
	msg.Id = 7
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(metaQueryService),
		Qtype:  dns.TypePTR,
		Qclass: dns.ClassINET,
	}}
	buf, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	pkt := PacketFromBytes(buf, testFrom)
	sd, ok := pkt.(ServiceDiscovery)
	if !ok {
		t.Fatalf("PacketFromBytes() = %T, want ServiceDiscovery", pkt)
	}
	if sd.QueryID != 7 {
		t.Errorf("QueryID = %d, want 7", sd.QueryID)
	}
}

func TestServiceNameQuestionWins(t *testing.T) {
	// A packet with both questions classifies as a plain Query.
	msg := &dns.Msg{}
	msg.Question = []dns.Question{
		{Name: dns.Fqdn(metaQueryService), Qtype: dns.TypePTR, Qclass: dns.ClassINET},
		{Name: dns.Fqdn(ServiceName), Qtype: dns.TypePTR, Qclass: dns.ClassINET},
	}
	buf, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if _, ok := PacketFromBytes(buf, testFrom).(Query); !ok {
		t.Fatal("dual-question packet did not classify as Query")
	}
}

func TestIrrelevantQueryDropped(t *testing.T) {
	msg := &dns.Msg{}
	msg.SetQuestion("example.com.", dns.TypeA)
	buf, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if pkt := PacketFromBytes(buf, testFrom); pkt != nil {
		t.Fatalf("PacketFromBytes() = %#v, want nil", pkt)
	}
}

func TestGarbageDropped(t *testing.T) {
	if pkt := PacketFromBytes([]byte{0x01, 0x02, 0x03}, testFrom); pkt != nil {
		t.Fatalf("PacketFromBytes(garbage) = %#v, want nil", pkt)
	}
}

func TestQueryResponseRoundTrip(t *testing.T) {
	id := peerid.Random()
	addr := ma.StringCast("/ip4/192.168.1.2/tcp/4001")

	packets := BuildQueryResponse(42, id, []ma.Multiaddr{addr}, 2*time.Minute)
	if len(packets) != 1 {
		t.Fatalf("BuildQueryResponse() produced %d packets, want 1", len(packets))
	}

	pkt := PacketFromBytes(packets[0], testFrom)
	resp, ok := pkt.(Response)
	if !ok {
		t.Fatalf("PacketFromBytes() = %T, want Response", pkt)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(resp.Peers))
	}
	peer := resp.Peers[0]
	if peer.ID() != id {
		t.Errorf("peer id = %s, want %s", peer.ID().Base58(), id.Base58())
	}
	if peer.TTL() != 2*time.Minute {
		t.Errorf("TTL() = %s, want 2m", peer.TTL())
	}
	if len(peer.Addresses()) != 1 || !peer.Addresses()[0].Equal(addr) {
		t.Errorf("Addresses() = %v, want [%s]", peer.Addresses(), addr)
	}
}

func TestQueryResponseChunksManyAddresses(t *testing.T) {
	id := peerid.Random()
	var addrs []ma.Multiaddr
	for i := 0; i < 200; i++ {
		addrs = append(addrs, ma.StringCast("/ip4/10.0.0.1/tcp/4001"))
	}
	packets := BuildQueryResponse(1, id, addrs, time.Minute)
	if len(packets) < 2 {
		t.Fatalf("expected chunking, got %d packet(s)", len(packets))
	}
	total := 0
	for _, p := range packets {
		if len(p) > maxMessageSize+512 {
			t.Errorf("packet of %d bytes exceeds the size bound", len(p))
		}
		resp, ok := PacketFromBytes(p, testFrom).(Response)
		if !ok {
			t.Fatal("chunk did not classify as Response")
		}
		if len(resp.Peers) != 1 {
			t.Fatalf("chunk carries %d peers, want 1", len(resp.Peers))
		}
		total += len(resp.Peers[0].Addresses())
	}
	if total != len(addrs) {
		t.Errorf("addresses across chunks = %d, want %d", total, len(addrs))
	}
}

func TestMismatchedTrailingComponentDropped(t *testing.T) {
	advertised := peerid.Random()
	other := peerid.Random()

	// Hand-build a response whose TXT names a different peer id in
	// the trailing /p2p component. The address must be dropped, not
	// coerced.
	ptrValue := dns.Fqdn(peerLabels(advertised.Bytes()) + "." + ServiceName)
	msg := &dns.Msg{}
	msg.Response = true
	msg.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: dns.Fqdn(ServiceName), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
		Ptr: ptrValue,
	}}
	msg.Extra = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: ptrValue, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: []string{
			dnsaddrPrefix + "/ip4/10.1.1.1/tcp/4001/p2p/" + other.Base58(),
			dnsaddrPrefix + "/ip4/10.1.1.2/tcp/4001/p2p/" + advertised.Base58(),
			"unrelated=ignored",
		},
	}}
	buf, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	resp, ok := PacketFromBytes(buf, testFrom).(Response)
	if !ok {
		t.Fatal("packet did not classify as Response")
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(resp.Peers))
	}
	addrs := resp.Peers[0].Addresses()
	if len(addrs) != 1 {
		t.Fatalf("Addresses() = %v, want exactly the matching one", addrs)
	}
	want := ma.StringCast("/ip4/10.1.1.2/tcp/4001")
	if !addrs[0].Equal(want) {
		t.Errorf("address = %s, want %s", addrs[0], want)
	}
}

func TestServiceDiscoveryResponseClassifies(t *testing.T) {
	buf := BuildServiceDiscoveryResponse(9, time.Minute)
	resp, ok := PacketFromBytes(buf, testFrom).(Response)
	if !ok {
		t.Fatal("service discovery response did not classify as Response")
	}
	if len(resp.Peers) != 0 {
		t.Errorf("len(Peers) = %d, want 0", len(resp.Peers))
	}
}
