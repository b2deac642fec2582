package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"inkline.co/share"
	"inkline.co/share/crdt"
)

const SharectlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Share control.

Usage:
    sharectl create --relay_url=<relay_url> --key=<key> --store=<dir>
        [--allow=<pubkey>...]
        [--title=<title>]
    sharectl list --relay_url=<relay_url> --key=<key> --store=<dir>
    sharectl request --relay_url=<relay_url> --key=<key> --store=<dir> <document_id>
    sharectl serve --relay_url=<relay_url> --key=<key> --store=<dir>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --relay_url=<relay_url>  Signaling relay url.
    --key=<key>              Identity seed as 64 hex chars.
    --store=<dir>            Local store directory.
    --allow=<pubkey>         Base58 public key to allow, repeatable.
    --title=<title>          Document title metadata.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SharectlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if request_, _ := opts.Bool("request"); request_ {
		request(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *share.SharingClient {
	relayUrl, _ := opts.String("--relay_url")
	keyHex, _ := opts.String("--key")

	seed, err := hex.DecodeString(keyHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		Err.Fatalf("--key must be %d hex chars", 2*ed25519.SeedSize)
	}
	privateKey := share.PrivateKeyFromSeed(seed)

	storeDir, _ := opts.String("--store")
	provider, err := share.NewFileStorageProvider(storeDir)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}

	return share.NewSharingClientWithDefaults(
		ctx,
		relayUrl,
		privateKey,
		provider,
		&crdt.LWWFactory{},
	)
}

func create(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	allowedUsers := []share.PublicKey{}
	if allowStrs, ok := opts["--allow"].([]string); ok {
		for _, allowStr := range allowStrs {
			publicKey, err := share.ParsePublicKey(allowStr)
			if err != nil {
				Err.Fatalf("bad --allow key %s: %s", allowStr, err)
			}
			allowedUsers = append(allowedUsers, publicKey)
		}
	}

	metadata := map[string]string{}
	if title, err := opts.String("--title"); err == nil && title != "" {
		metadata["title"] = title
	}

	document, err := client.CreateDocument(allowedUsers, metadata)
	if err != nil {
		Err.Fatalf("create: %s", err)
	}
	Out.Printf("%s", document.DocumentId())
}

func list(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	documentIds, err := client.ListDocumentIds()
	if err != nil {
		Err.Fatalf("list: %s", err)
	}
	for _, documentId := range documentIds {
		Out.Printf("%s", documentId)
	}
}

func request(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	client.Connect()
	if err := client.WaitForConnection(ctx); err != nil {
		Err.Fatalf("connect: %s", err)
	}

	documentId, _ := opts.String("<document_id>")
	document, err := client.RequestDocument(ctx, documentId)
	if err != nil {
		Err.Fatalf("request: %s", err)
	}

	Out.Printf("%s version=%d", document.DocumentId(), document.Header().Version())
	for _, key := range document.Keys() {
		value, _ := document.Get(key)
		Out.Printf("  %s = %v", key, value)
	}
}

// keep the client online answering document requests
func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	client.Connect()
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := client.WaitForConnection(connectCtx); err != nil {
		Err.Fatalf("connect: %s", err)
	}
	Out.Printf("serving as %s", client.Session().PublicKey())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	client.Disconnect()
}
