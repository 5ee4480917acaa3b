// Package mdns implements LAN peer discovery over multicast DNS. A
// Service owns two IPv4 UDP sockets — one bound to the well-known
// port 5353 for listening and responding, one on an ephemeral port
// for querying — plus a recurring query timer and an interface
// watcher that keeps multicast group membership in step with the
// interfaces that are actually up.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/net/ipv4"

	"github.com/umbranet/umbra/internal/ifwatch"
	"github.com/umbranet/umbra/pkg/telemetry"
)

const (
	// ServiceName is the DNS-SD service under which peers advertise.
	ServiceName = "_p2p._udp.local"

	// metaQueryService is the DNS-SD meta-query name asking which
	// service types exist on the network.
	metaQueryService = "_services._dns-sd._udp.local"

	// dnsaddrPrefix marks multiaddr-bearing TXT strings.
	dnsaddrPrefix = "dnsaddr="

	// defaultQueryInterval is how often the service multicasts a fresh
	// query. The timer also guarantees wake-up after transient socket
	// failures, so it runs even in silent mode.
	defaultQueryInterval = 20 * time.Second

	// recvBufferSize follows RFC 6762's guidance: responses from hosts
	// with several interfaces easily reach 3000 bytes, so 4096 is a
	// sensible receive bound.
	recvBufferSize = 4096

	multicastTTL = 255
)

// multicastGroup is the IPv4 mDNS group all packets are sent to.
var multicastGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("mdns: service closed")

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// Service discovers peers and answers their queries on the local
// network. At most one Next call may be outstanding.
type Service struct {
	pc      net.PacketConn   // listen/respond socket, port 5353
	ctl     *ipv4.PacketConn // multicast control over pc
	query   net.PacketConn   // query socket, ephemeral port
	watcher *ifwatch.Watcher
	ticker  *time.Ticker
	silent  bool
	metrics *telemetry.Metrics

	mu         sync.Mutex
	sendQueue  [][]byte // pending responses, flushed through pc
	queryQueue [][]byte // pending queries, flushed through query

	recvCh    chan datagram
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches telemetry collectors. Nil is accepted.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithQueryInterval overrides the periodic query interval.
func WithQueryInterval(d time.Duration) Option {
	return func(s *Service) {
		s.ticker.Reset(d)
	}
}

// NewService starts an mDNS service that periodically queries the
// network. Socket setup failures are fatal and propagate.
func NewService(opts ...Option) (*Service, error) {
	return newService(false, opts...)
}

// NewSilentService is NewService without automatic queries. The query
// timer still runs so the loop recovers from transient failures.
func NewSilentService(opts ...Option) (*Service, error) {
	return newService(true, opts...)
}

func newService(silent bool, opts ...Option) (*Service, error) {
	pc, err := reuseport.ListenPacket("udp4", "0.0.0.0:5353")
	if err != nil {
		return nil, fmt.Errorf("mdns: bind listen socket: %w", err)
	}
	ctl := ipv4.NewPacketConn(pc)
	if err := ctl.SetMulticastLoopback(true); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mdns: set multicast loopback: %w", err)
	}
	if err := ctl.SetMulticastTTL(multicastTTL); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mdns: set multicast ttl: %w", err)
	}

	query, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("mdns: bind query socket: %w", err)
	}

	watcher, err := ifwatch.New()
	if err != nil {
		pc.Close()
		query.Close()
		return nil, fmt.Errorf("mdns: start interface watcher: %w", err)
	}

	s := &Service{
		pc:      pc,
		ctl:     ctl,
		query:   query,
		watcher: watcher,
		ticker:  time.NewTicker(defaultQueryInterval),
		silent:  silent,
		recvCh:  make(chan datagram, 4),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// EnqueueResponse queues a response packet for the multicast group.
// It is flushed before the next wait in Next. The caller builds the
// packet with BuildQueryResponse or BuildServiceDiscoveryResponse.
func (s *Service) EnqueueResponse(b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	s.sendQueue = append(s.sendQueue, b)
	s.mu.Unlock()
}

func (s *Service) enqueueQuery(b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	s.queryQueue = append(s.queryQueue, b)
	s.mu.Unlock()
}

// Next blocks until the next classified packet arrives. Before
// waiting it drains the response queue through the listen socket and
// the query queue through the query socket, so queued responses are
// observable on the wire before the next inbound packet is processed.
// While waiting it also services the query timer (enqueueing a fresh
// query unless silent) and the interface watcher (joining the group
// on Up, leaving on Down; loopback excluded, errors non-fatal).
func (s *Service) Next(ctx context.Context) (Packet, error) {
	for {
		s.flush()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrClosed
		case d := <-s.recvCh:
			pkt := PacketFromBytes(d.data, d.from)
			if pkt == nil {
				s.countPacket("dropped")
				continue
			}
			s.observePacket(pkt)
			return pkt, nil
		case <-s.ticker.C:
			// Absorb any backlog so a slow caller does not replay
			// ticks.
		drain:
			for {
				select {
				case <-s.ticker.C:
				default:
					break drain
				}
			}
			if !s.silent {
				s.enqueueQuery(BuildQuery())
			}
		case ev := <-s.watcher.Events():
			s.handleIfEvent(ev)
		}
	}
}

// flush sends both queues. Send errors are non-fatal — typically the
// network went away — so the rest of the queue is dropped and sending
// resumes on the next cycle.
func (s *Service) flush() {
	s.mu.Lock()
	responses := s.sendQueue
	queries := s.queryQueue
	s.sendQueue = nil
	s.queryQueue = nil
	s.mu.Unlock()

	for i, b := range responses {
		if _, err := s.pc.WriteTo(b, multicastGroup); err != nil {
			slog.Debug("mdns: response send failed, dropping queue",
				"error", err, "dropped", len(responses)-i)
			break
		}
	}
	for i, b := range queries {
		if _, err := s.query.WriteTo(b, multicastGroup); err != nil {
			slog.Debug("mdns: query send failed, dropping queue",
				"error", err, "dropped", len(queries)-i)
			break
		}
	}
}

// handleIfEvent keeps multicast membership in step with interface
// state. Join/leave failures are logged and non-fatal; a duplicate
// join for an interface that carries several addresses reports
// harmlessly as already-joined.
func (s *Service) handleIfEvent(ev ifwatch.Event) {
	if ev.IP.IsLoopback() {
		return
	}
	group := &net.UDPAddr{IP: multicastGroup.IP}
	switch ev.Op {
	case ifwatch.Up:
		slog.Debug("mdns: joining multicast group", "iface", ev.Iface.Name, "ip", ev.IP)
		if err := s.ctl.JoinGroup(&ev.Iface, group); err != nil {
			slog.Warn("mdns: join multicast failed", "iface", ev.Iface.Name, "error", err)
			s.countGroupError("join")
		}
	case ifwatch.Down:
		slog.Debug("mdns: leaving multicast group", "iface", ev.Iface.Name, "ip", ev.IP)
		if err := s.ctl.LeaveGroup(&ev.Iface, group); err != nil {
			slog.Warn("mdns: leave multicast failed", "iface", ev.Iface.Name, "error", err)
			s.countGroupError("leave")
		}
	}
}

// readLoop owns the receive buffer and feeds datagrams to Next.
// Receive errors are swallowed: the query timer wakes the service
// regardless, so transient failures self-heal.
func (s *Service) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			slog.Debug("mdns: receive error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		from, _ := addr.(*net.UDPAddr)
		select {
		case s.recvCh <- datagram{data: data, from: from}:
		case <-s.closed:
			return
		}
	}
}

// Close releases both sockets and the interface watcher and unblocks
// a pending Next.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ticker.Stop()
		s.watcher.Close()
		s.pc.Close()
		s.query.Close()
	})
	s.wg.Wait()
	return nil
}

func (s *Service) countPacket(kind string) {
	if s.metrics != nil {
		s.metrics.MDNSPacketsTotal.WithLabelValues(kind).Inc()
	}
}

func (s *Service) countGroupError(op string) {
	if s.metrics != nil {
		s.metrics.MDNSGroupErrors.WithLabelValues(op).Inc()
	}
}

func (s *Service) observePacket(pkt Packet) {
	if s.metrics == nil {
		return
	}
	switch p := pkt.(type) {
	case Query:
		s.countPacket("query")
	case ServiceDiscovery:
		s.countPacket("service_discovery")
	case Response:
		s.countPacket("response")
		s.metrics.MDNSPeersDiscovered.Add(float64(len(p.Peers)))
	}
}
