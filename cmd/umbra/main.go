package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o umbra ./cmd/umbra
var (
	version = "dev"
	commit  = "unknown"
)

// echoProtocol is the request/response protocol the serve and ping
// commands speak.
const echoProtocol = "/umbra/echo/1.0.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "id":
		runID(os.Args[2:])
	case "discover":
		runDiscover(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("umbra %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: umbra <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  id [--new | <peer-id>]          Generate or inspect peer ids")
	fmt.Println("  discover [--advertise]          Watch LAN peer discovery")
	fmt.Println("  serve [--config f] [--listen a] Run an echo responder")
	fmt.Println("  ping [-c N] <addr>/p2p/<id>     Send echo requests to a peer")
	fmt.Println("  version                         Print version information")
}
