package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/pkg/peerid"
	"github.com/umbranet/umbra/pkg/reqresp"
	"github.com/umbranet/umbra/pkg/reqresp/throttled"
	"github.com/umbranet/umbra/pkg/transport"
)

// runPing sends echo requests to a peer given as <addr>/p2p/<id> and
// prints round-trip times, respecting the peer's advertised budget.
func runPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	count := fs.Int("c", 4, "number of pings")
	interval := fs.Duration("interval", time.Second, "delay between pings")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: umbra ping [-c N] <addr>/p2p/<peer-id>")
		os.Exit(1)
	}
	full, err := ma.NewMultiaddr(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad target: %v\n", err)
		os.Exit(1)
	}
	addr, last := ma.SplitLast(full)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		fmt.Fprintln(os.Stderr, "target must end in /p2p/<peer-id>")
		os.Exit(1)
	}
	target, err := peerid.Parse(last.Value())
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad peer id: %v\n", err)
		os.Exit(1)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	host, err := transport.New(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create transport: %v\n", err)
		os.Exit(1)
	}
	defer host.Close()

	behaviour := throttled.New[[]byte, []byte](host, reqresp.BlobCodec{},
		[]reqresp.Protocol{{ID: echoProtocol, Support: reqresp.SupportOutbound}},
		reqresp.Config{})
	defer behaviour.Close()
	behaviour.AddAddress(target, addr)

	fmt.Printf("PING %s\n", target)
	received := 0
	for seq := 1; seq <= *count; seq++ {
		payload := []byte(fmt.Sprintf("ping %d", seq))
		start := time.Now()

		id, ok := behaviour.SendRequest(target, payload)
		for !ok {
			if !awaitResume(behaviour, target) {
				fmt.Fprintln(os.Stderr, "peer gone while throttled")
				os.Exit(1)
			}
			id, ok = behaviour.SendRequest(target, payload)
		}

		if !awaitReply(behaviour, id, seq, start) {
			os.Exit(1)
		}
		received++

		if seq < *count {
			time.Sleep(*interval)
		}
	}
	fmt.Printf("%d/%d replies\n", received, *count)
}

// awaitResume blocks until the peer grants credit again.
func awaitResume(b *throttled.Behaviour[[]byte, []byte], peer peerid.ID) bool {
	for ev := range b.Events() {
		switch ev := ev.(type) {
		case throttled.ResumeSending:
			if ev.Peer == peer {
				return true
			}
		case throttled.OutboundFailureEvent:
			fmt.Fprintf(os.Stderr, "request failed: %v\n", ev.Failure)
			return false
		}
	}
	return false
}

// awaitReply blocks until the given request resolves.
func awaitReply(b *throttled.Behaviour[[]byte, []byte], id reqresp.RequestID, seq int, start time.Time) bool {
	for ev := range b.Events() {
		switch ev := ev.(type) {
		case throttled.ResponseReceived[[]byte]:
			if ev.RequestID != id {
				continue
			}
			rtt := time.Since(start)
			fmt.Printf("seq=%d bytes=%d time=%.2fms\n", seq, len(ev.Response), float64(rtt.Microseconds())/1000.0)
			return true
		case throttled.OutboundFailureEvent:
			if ev.RequestID != id {
				continue
			}
			fmt.Fprintf(os.Stderr, "seq=%d failed: %v\n", seq, ev.Failure)
			return false
		}
	}
	return false
}
