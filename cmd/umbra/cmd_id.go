package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/umbranet/umbra/pkg/peerid"
)

// runID generates a fresh Ed25519 identity or inspects a base-58
// peer id given as an argument.
func runID(args []string) {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	newKey := fs.Bool("new", false, "generate a fresh Ed25519 identity")
	fs.Parse(args)

	if *newKey {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		id, err := peerid.FromPrivateKey(priv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "derive peer id: %v\n", err)
			os.Exit(1)
		}
		printID(id)
		return
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: umbra id --new | umbra id <base58-peer-id>")
		os.Exit(1)
	}
	id, err := peerid.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse peer id: %v\n", err)
		os.Exit(1)
	}
	printID(id)
}

func printID(id peerid.ID) {
	fmt.Printf("base58: %s\n", id.Base58())
	if onion, err := id.OnionAddress(); err == nil {
		fmt.Printf("onion:  %s.onion\n", onion)
	} else {
		fmt.Printf("onion:  (not an ed25519 identity)\n")
	}
}
