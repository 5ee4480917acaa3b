package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/umbranet/umbra/internal/config"
	"github.com/umbranet/umbra/pkg/mdns"
	"github.com/umbranet/umbra/pkg/reqresp"
	"github.com/umbranet/umbra/pkg/reqresp/throttled"
	"github.com/umbranet/umbra/pkg/telemetry"
	"github.com/umbranet/umbra/pkg/transport"
)

// runServe runs an echo responder: every request is answered with its
// own payload. The node advertises itself over mDNS so LAN peers can
// find it without configuration.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "", "listen multiaddr (overrides config)")
	fs.Parse(args)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Network.Listen = []string{*listen}
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
	for _, s := range cfg.Network.Listen {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad listen addr %s: %v\n", s, err)
			os.Exit(1)
		}
		if err := host.Listen(addr); err != nil {
			fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			os.Exit(1)
		}
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics = telemetry.New(version)
		go func() {
			slog.Info("serve: metrics listening", "addr", cfg.Telemetry.MetricsListen)
			if err := http.ListenAndServe(cfg.Telemetry.MetricsListen, metrics.Handler()); err != nil {
				slog.Warn("serve: metrics server stopped", "error", err)
			}
		}()
	}

	behaviour := throttled.New[[]byte, []byte](host, reqresp.BlobCodec{},
		[]reqresp.Protocol{{ID: echoProtocol, Support: reqresp.SupportFull}},
		reqresp.Config{
			RequestTimeout: cfg.Protocols.RequestTimeout,
			DialTimeout:    cfg.Protocols.DialTimeout,
		},
		throttled.WithMetrics(metrics),
	)
	defer behaviour.Close()
	if cfg.Throttle.Enabled {
		behaviour.SetReceiveLimit(cfg.Throttle.ReceiveLimit)
	}

	localID := host.LocalPeer()
	fmt.Printf("peer id: %s\n", localID)
	fmt.Printf("base58:  %s\n", localID.Base58())
	for _, addr := range host.ListenAddrs() {
		fmt.Printf("listen:  %s/p2p/%s\n", addr, localID.Base58())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go echoLoop(behaviour)
	if cfg.Discovery.Enabled {
		go advertiseLoop(ctx, cfg, host, metrics)
	}

	<-ctx.Done()
	slog.Info("serve: shutting down")
}

// echoLoop answers every inbound request with its own payload.
func echoLoop(b *throttled.Behaviour[[]byte, []byte]) {
	for ev := range b.Events() {
		switch ev := ev.(type) {
		case throttled.RequestReceived[[]byte, []byte]:
			slog.Info("serve: request", "peer", ev.Peer.Base58(), "bytes", len(ev.Request))
			if err := b.SendResponse(ev.Channel, ev.Request); err != nil {
				slog.Warn("serve: respond failed", "error", err)
			}
		case throttled.TooManyInboundRequests:
			slog.Warn("serve: peer exceeded its budget", "peer", ev.Peer.Base58())
		case throttled.InboundFailureEvent:
			slog.Debug("serve: inbound failure", "peer", ev.Peer.Base58(), "error", ev.Failure)
		}
	}
}

// advertiseLoop answers mDNS queries with this node's addresses.
func advertiseLoop(ctx context.Context, cfg *config.NodeConfig, host *transport.Transport, metrics *telemetry.Metrics) {
	opts := []mdns.Option{mdns.WithMetrics(metrics)}
	if cfg.Discovery.Interval > 0 {
		opts = append(opts, mdns.WithQueryInterval(cfg.Discovery.Interval))
	}
	var svc *mdns.Service
	var err error
	if cfg.Discovery.Silent {
		svc, err = mdns.NewSilentService(opts...)
	} else {
		svc, err = mdns.NewService(opts...)
	}
	if err != nil {
		slog.Warn("serve: mdns unavailable", "error", err)
		return
	}
	defer svc.Close()

	localID := host.LocalPeer()
	for {
		pkt, err := svc.Next(ctx)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case mdns.Query:
			for _, b := range mdns.BuildQueryResponse(p.QueryID, localID, host.ListenAddrs(), 2*time.Minute) {
				svc.EnqueueResponse(b)
			}
		case mdns.ServiceDiscovery:
			svc.EnqueueResponse(mdns.BuildServiceDiscoveryResponse(p.QueryID, 2*time.Minute))
		case mdns.Response:
			for _, peer := range p.Peers {
				if peer.ID() != localID && len(peer.Addresses()) > 0 {
					slog.Info("serve: peer on LAN", "peer", peer.ID().Base58(), "addrs", len(peer.Addresses()))
				}
			}
		}
	}
}
