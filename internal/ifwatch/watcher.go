// Package ifwatch reports network interface address changes as Up and
// Down events, one event per (interface, IPv4 address) pair. The
// initial snapshot is replayed as Up events so consumers can establish
// state without a separate enumeration pass. Detection is event-driven
// where the platform allows (Linux netlink) with polling as fallback.
package ifwatch

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Op distinguishes address arrival from departure.
type Op int

const (
	// Up reports a newly usable (interface, address) pair.
	Up Op = iota
	// Down reports a pair that is no longer usable.
	Down
)

func (o Op) String() string {
	if o == Up {
		return "up"
	}
	return "down"
}

// Event is a single membership change.
type Event struct {
	Op    Op
	Iface net.Interface
	IP    net.IP
}

// debounceDelay absorbs bursts: interface changes often arrive as
// several kernel notifications within milliseconds.
const debounceDelay = 500 * time.Millisecond

type addrKey struct {
	iface string
	ip    string
}

// Watcher emits interface address events until closed.
type Watcher struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	known  map[addrKey]Event
}

// New starts a watcher. The current interface snapshot is delivered as
// Up events before any change-driven events.
func New() (*Watcher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		events: make(chan Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
		known:  make(map[addrKey]Event),
	}
	go w.run(ctx)
	return w, nil
}

// Events returns the event stream. The channel is never closed; after
// Close no further events are delivered.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watcher and releases its platform resources.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.rescan(ctx)

	sig := make(chan struct{}, 1)
	go watchChanges(ctx, sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			// Debounce, then rescan once the burst settles.
			timer := time.NewTimer(debounceDelay)
		drain:
			for {
				select {
				case <-sig:
				case <-timer.C:
					break drain
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			w.rescan(ctx)
		}
	}
}

// rescan diffs the current snapshot against the known set and emits
// the difference.
func (w *Watcher) rescan(ctx context.Context) {
	current := snapshot()
	for key, ev := range w.known {
		if _, ok := current[key]; !ok {
			ev.Op = Down
			w.send(ctx, ev)
		}
	}
	for key, ev := range current {
		if _, ok := w.known[key]; !ok {
			w.send(ctx, ev)
		}
	}
	w.known = current
}

func (w *Watcher) send(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// snapshot enumerates the IPv4 addresses of all interfaces that are
// administratively up. Loopback is included; consumers that do not
// want it filter on the event's IP.
func snapshot() map[addrKey]Event {
	out := make(map[addrKey]Event)
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("ifwatch: enumerate interfaces failed", "error", err)
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			out[addrKey{iface.Name, ip4.String()}] = Event{Op: Up, Iface: iface, IP: ip4}
		}
	}
	return out
}
