//go:build linux

package ifwatch

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"syscall"
)

// Route-netlink multicast groups delivering address and link change
// notifications.
const (
	grpLink     = 0x1  // RTMGRP_LINK
	grpIPv4Addr = 0x10 // RTMGRP_IPV4_IFADDR
	grpIPv6Addr = 0x20 // RTMGRP_IPV6_IFADDR
)

// IFF_LOWER_UP is missing from the syscall package.
const iffLowerUp = 0x10000

// watchChanges subscribes to the kernel's route-netlink feed and
// nudges the watcher when something could have altered the
// (interface, address) set: an address message, a disappearing link,
// or a link whose up/running flags moved. The messages stay opaque
// beyond that filter — the watcher re-snapshots and diffs on every
// nudge, so coalesced or dropped notifications are harmless.
func watchChanges(ctx context.Context, ch chan<- struct{}) {
	fd, err := syscall.Socket(syscall.AF_NETLINK,
		syscall.SOCK_DGRAM|syscall.SOCK_NONBLOCK|syscall.SOCK_CLOEXEC,
		syscall.NETLINK_ROUTE)
	if err != nil {
		slog.Warn("ifwatch: netlink socket failed, falling back to polling", "error", err)
		pollChanges(ctx, ch)
		return
	}
	if err := syscall.Bind(fd, &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: grpLink | grpIPv4Addr | grpIPv6Addr,
	}); err != nil {
		syscall.Close(fd)
		slog.Warn("ifwatch: netlink bind failed, falling back to polling", "error", err)
		pollChanges(ctx, ch)
		return
	}

	// The non-blocking fd lands in the runtime poller, so closing the
	// file from the context callback unblocks a pending Read.
	f := os.NewFile(uintptr(fd), "netlink-route")
	defer f.Close()
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, syscall.ENOBUFS) {
				// The kernel dropped notifications; whatever they
				// were, a rescan covers them.
				nudge(ch)
				continue
			}
			slog.Warn("ifwatch: netlink read failed, falling back to polling", "error", err)
			pollChanges(ctx, ch)
			return
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for _, m := range msgs {
			if relevantMessage(m) {
				nudge(ch)
				break
			}
		}
	}
}

// relevantMessage keeps only what can change the address set.
// Stats-only RTM_NEWLINK refreshes are dropped here instead of waking
// the watcher: a link transition that matters either flips up/running
// flags or is followed by the kernel flushing the link's addresses,
// which arrives as RTM_DELADDR anyway.
func relevantMessage(m syscall.NetlinkMessage) bool {
	switch m.Header.Type {
	case syscall.RTM_NEWADDR, syscall.RTM_DELADDR, syscall.RTM_DELLINK:
		return true
	case syscall.RTM_NEWLINK:
		return linkFlagsChanged(m.Data)
	}
	return false
}

// linkFlagsChanged inspects the ifinfomsg leading an RTM_NEWLINK
// payload — family(1) pad(1) type(2) index(4) flags(4) change(4),
// host-endian. The change mask names the flags that flipped; drivers
// that do not maintain it send all-ones, which has to count.
func linkFlagsChanged(data []byte) bool {
	if len(data) < 16 {
		return true
	}
	change := binary.NativeEndian.Uint32(data[12:16])
	if change == ^uint32(0) {
		return true
	}
	return change&(syscall.IFF_UP|syscall.IFF_RUNNING|iffLowerUp) != 0
}

func nudge(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
