package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/dpk31/aerogear-sync-server/diffsync"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Differential sync control.

Usage:
    syncctl serve [--listen=<address>] [--redis=<url>] [--require-auth]
    syncctl add --url=<url> --doc=<doc_id> --client=<client_id>
        [--jwt=<jwt>] [<content>]
    syncctl send --url=<url> --doc=<doc_id> --client=<client_id>
        [--jwt=<jwt>] <content>
    syncctl watch --url=<url> --doc=<doc_id> --client=<client_id>
        [--jwt=<jwt>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --listen=<address>    Listen address [default: :8080].
    --redis=<url>         Redis url for the durable data store.
    --require-auth        Require a client jwt on connect.
    --url=<url>           Server websocket url, e.g. ws://localhost:8080/sync.
    --doc=<doc_id>        Document id.
    --client=<client_id>  Client id.
    --jwt=<jwt>           Platform JWT. Use - to prompt.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if add, _ := opts.Bool("add"); add {
		client(opts, false)
	} else if send, _ := opts.Bool("send"); send {
		client(opts, true)
	} else if watch, _ := opts.Bool("watch"); watch {
		watchDocument(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listen, _ := opts.String("--listen")
	redisUrl, _ := opts.String("--redis")
	requireAuth, _ := opts.Bool("--require-auth")

	synchronizer := diffsync.NewDiffMatchPatchSynchronizer()

	var store diffsync.DataStore[string]
	if redisUrl != "" {
		redisOptions, err := redis.ParseURL(redisUrl)
		if err != nil {
			Err.Fatalf("bad redis url: %s", err)
		}
		store = diffsync.NewRedisDataStore[string](ctx, redis.NewClient(redisOptions), synchronizer)
		Out.Printf("using redis data store %s", redisOptions.Addr)
	} else {
		store = diffsync.NewInMemoryDataStore[string]()
	}

	engine := diffsync.NewServerSyncEngineWithDefaults[string](store, synchronizer)
	handler := diffsync.NewDiffSyncHandlerWithDefaults(engine)

	settings := diffsync.DefaultSyncServerSettings()
	settings.RequireAuth = requireAuth
	server := diffsync.NewSyncServer(ctx, handler, settings)
	defer server.Close()

	if err := server.ListenAndServe(listen); err != nil {
		Err.Fatalf("serve: %s", err)
	}
}

func resolveAuth(opts docopt.Opts) *diffsync.ClientAuth {
	jwt, _ := opts.String("--jwt")
	if jwt == "-" {
		fmt.Fprint(os.Stderr, "jwt: ")
		jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read jwt: %s", err)
		}
		jwt = string(jwtBytes)
	}
	if jwt == "" {
		return nil
	}
	return &diffsync.ClientAuth{ByJwt: jwt}
}

// one round of the client side of the protocol: ADD to materialize the
// document, then optionally PATCH the given content against it
func client(opts docopt.Opts, patch bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	documentId, _ := opts.String("--doc")
	clientId, _ := opts.String("--client")
	content, _ := opts.String("<content>")

	synchronizer := diffsync.NewDiffMatchPatchSynchronizer()
	codec := diffsync.NewSyncCodec[string](synchronizer)

	received := make(chan *diffsync.PatchMessage, 16)
	receive := func(message []byte) {
		envelope, err := diffsync.DecodeEnvelope(message)
		if err != nil || envelope.Data == nil {
			// ack or malformed, skip
			return
		}
		patchMessage, err := codec.PatchMessageFromJson([]byte(envelope.Data.Message))
		if err != nil {
			Err.Printf("decode: %s", err)
			return
		}
		received <- patchMessage
	}

	transport := diffsync.NewClientTransportWithDefaults(ctx, url, resolveAuth(opts), receive)
	defer transport.Close()

	seed := ""
	if !patch {
		seed = content
	}
	shadow := sendAdd(codec, transport, documentId, clientId, seed, received)
	Out.Printf("document %s: %q", documentId, shadow)

	if !patch {
		return
	}

	diff := synchronizer.Diff(shadow, content)
	edit := diffsync.NewEdit(documentId, clientId, 0, 0, diff)
	syncJson, err := codec.PatchMessageToJson(diffsync.NewPatchMessage(documentId, clientId, edit))
	if err != nil {
		Err.Fatalf("encode: %s", err)
	}
	message, err := diffsync.CreateJsonUpstreamMessage(clientId, diffsync.NewWireMessageId(), syncJson)
	if err != nil {
		Err.Fatalf("encode: %s", err)
	}
	if err := transport.Send(message); err != nil {
		Err.Fatalf("send: %s", err)
	}

	select {
	case patchMessage := <-received:
		shadow = applyEdits(synchronizer, shadow, patchMessage)
		Out.Printf("patched %s: %q", documentId, shadow)
	case <-time.After(10 * time.Second):
		Out.Printf("patched %s (no server response)", documentId)
	}
}

func watchDocument(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	documentId, _ := opts.String("--doc")
	clientId, _ := opts.String("--client")

	synchronizer := diffsync.NewDiffMatchPatchSynchronizer()
	codec := diffsync.NewSyncCodec[string](synchronizer)

	received := make(chan *diffsync.PatchMessage, 16)
	receive := func(message []byte) {
		envelope, err := diffsync.DecodeEnvelope(message)
		if err != nil || envelope.Data == nil {
			return
		}
		patchMessage, err := codec.PatchMessageFromJson([]byte(envelope.Data.Message))
		if err != nil {
			Err.Printf("decode: %s", err)
			return
		}
		received <- patchMessage
	}

	transport := diffsync.NewClientTransportWithDefaults(ctx, url, resolveAuth(opts), receive)
	defer transport.Close()

	shadow := sendAdd(codec, transport, documentId, clientId, "", received)
	Out.Printf("%s: %q", documentId, shadow)

	for {
		select {
		case <-ctx.Done():
			return
		case patchMessage := <-received:
			shadow = applyEdits(synchronizer, shadow, patchMessage)
			Out.Printf("%s: %q", documentId, shadow)
		}
	}
}

func sendAdd(codec *diffsync.SyncCodec[string], transport *diffsync.ClientTransport, documentId string, clientId string, seed string, received chan *diffsync.PatchMessage) string {
	synchronizer := diffsync.NewDiffMatchPatchSynchronizer()

	syncJson, err := codec.AddMessageToJson(documentId, clientId, seed)
	if err != nil {
		Err.Fatalf("encode: %s", err)
	}
	message, err := diffsync.CreateJsonUpstreamMessage(clientId, diffsync.NewWireMessageId(), syncJson)
	if err != nil {
		Err.Fatalf("encode: %s", err)
	}
	if err := transport.Send(message); err != nil {
		Err.Fatalf("send: %s", err)
	}

	select {
	case patchMessage := <-received:
		return applyEdits(synchronizer, synchronizer.EmptyContent(), patchMessage)
	case <-time.After(10 * time.Second):
		Err.Fatalf("no response to ADD for %s", documentId)
	}
	return ""
}

func applyEdits(synchronizer *diffsync.DiffMatchPatchSynchronizer, body string, patchMessage *diffsync.PatchMessage) string {
	for _, edit := range patchMessage.Edits {
		if edit.Diff == nil || edit.Diff.IsEmpty() {
			continue
		}
		patched, err := synchronizer.Patch(body, edit.Diff)
		if err != nil {
			Err.Printf("apply %s: %s", edit, err)
			continue
		}
		body = patched
	}
	return body
}
