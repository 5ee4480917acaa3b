package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/umbranet/umbra/pkg/mdns"
	"github.com/umbranet/umbra/pkg/peerid"
)

// runDiscover watches the LAN for peers. With --advertise it also
// answers queries with an ephemeral identity, so two instances on the
// same network find each other.
func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	advertise := fs.Bool("advertise", false, "answer queries with an ephemeral identity")
	interval := fs.Duration("interval", 20*time.Second, "query interval")
	fs.Parse(args)

	var localID peerid.ID
	if *advertise {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		if localID, err = peerid.FromPrivateKey(priv); err != nil {
			fmt.Fprintf(os.Stderr, "derive peer id: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("advertising as %s\n", localID)
	}

	svc, err := mdns.NewService(mdns.WithQueryInterval(*interval))
	if err != nil {
		fmt.Fprintf(os.Stderr, "start mdns: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		pkt, err := svc.Next(ctx)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case mdns.Query:
			slog.Debug("discover: query", "from", p.From)
			if *advertise {
				for _, b := range mdns.BuildQueryResponse(p.QueryID, localID, nil, 2*time.Minute) {
					svc.EnqueueResponse(b)
				}
			}
		case mdns.ServiceDiscovery:
			if *advertise {
				svc.EnqueueResponse(mdns.BuildServiceDiscoveryResponse(p.QueryID, 2*time.Minute))
			}
		case mdns.Response:
			for _, peer := range p.Peers {
				if peer.ID() == localID {
					continue
				}
				fmt.Printf("peer %s (ttl %s)\n", peer.ID(), peer.TTL())
				for _, addr := range peer.Addresses() {
					fmt.Printf("  %s\n", addr)
				}
			}
		}
	}
}
