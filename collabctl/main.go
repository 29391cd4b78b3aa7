package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/driftdoc/collab"
	"github.com/driftdoc/collab/boltstore"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab document control.

Works against a local bbolt store and, optionally, a collabserver
instance for sync and realtime.

Usage:
    collabctl get --doc=<doc> [--key=<key>]
        [--store=<store>] [--sync_url=<sync_url>] [--token=<token>]
    collabctl set --doc=<doc> --key=<key> --value=<value>
        [--store=<store>] [--sync_url=<sync_url>] [--token=<token>]
    collabctl sync --doc=<doc> --sync_url=<sync_url>
        [--store=<store>] [--token=<token>]
        [--no_pull] [--no_push] [--force_snapshot]
    collabctl watch --doc=<doc> --sync_url=<sync_url> --realtime_url=<realtime_url>
        [--store=<store>] [--token=<token>]
    collabctl remove --doc=<doc> [--store=<store>]
    collabctl login --sync_url=<sync_url> --user=<user>
    collabctl --version

Options:
    --doc=<doc>                    Document id.
    --key=<key>                    Field key.
    --value=<value>                Field value, parsed as JSON when possible.
    --store=<store>                Bolt store path [default: collabctl.db].
    --sync_url=<sync_url>          Sync server base url.
    --realtime_url=<realtime_url>  Realtime websocket url.
    --token=<token>                Bearer token from collabctl login.
    --no_pull                      Skip the pull phase.
    --no_push                      Skip the push phase.
    --force_snapshot               Store a fresh snapshot before pushing.
    --user=<user>                  Login user.
    -h --help                      Show this screen.
    --version                      Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		syncDoc(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		remove(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	}
}

func openRuntime(opts docopt.Opts, realtimeUrl string) (*collab.Runtime, *boltstore.Store, context.CancelFunc) {
	storePath, _ := opts.String("--store")
	syncUrl, _ := opts.String("--sync_url")
	token, _ := opts.String("--token")

	store, err := boltstore.New(filepath.Clean(storePath))
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	settings := collab.DefaultRuntimeSettings()
	if syncUrl != "" {
		syncSettings := collab.DefaultHttpSyncSettings()
		syncSettings.BearerToken = token
		settings.Sync = collab.NewHttpSyncAdapter(syncUrl, syncSettings)
	}
	if realtimeUrl != "" {
		realtimeSettings := collab.DefaultWsRealtimeSettings()
		realtimeSettings.BearerToken = token
		settings.Realtime = collab.NewWsRealtimeAdapter(ctx, realtimeUrl, realtimeSettings)
	}
	settings.OnError = func(err error) {
		Err.Printf("%s", err)
	}

	return collab.NewRuntime(ctx, store, settings), store, cancel
}

func get(opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	key, _ := opts.String("--key")

	runtime, store, cancel := openRuntime(opts, "")
	defer cancel()
	defer store.Close()

	doc, err := runtime.Open(docId, nil)
	if err != nil {
		Err.Fatalf("open %s: %s", docId, err)
	}

	view := doc.View()
	if key != "" {
		value, ok := view.Root().Get(key)
		if !ok {
			Out.Printf("(unset)")
			return
		}
		printValue(key, value)
		return
	}
	for _, k := range view.Root().Keys() {
		value, _ := view.Root().Get(k)
		printValue(k, value)
	}
}

func printValue(key string, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		Out.Printf("%s = %v", key, value)
		return
	}
	Out.Printf("%s = %s", key, encoded)
}

func set(opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	key, _ := opts.String("--key")
	valueStr, _ := opts.String("--value")

	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		// not JSON; keep the raw string
		value = valueStr
	}

	runtime, store, cancel := openRuntime(opts, "")
	defer cancel()
	defer store.Close()

	doc, err := runtime.Open(docId, nil)
	if err != nil {
		Err.Fatalf("open %s: %s", docId, err)
	}

	future := doc.Mutate(func(view *collab.ModelView) {
		view.Root().Set(key, value)
	})
	if err := future.Wait(); err != nil {
		Err.Fatalf("set: %s", err)
	}
	Out.Printf("%s %s = %s", docId, key, valueStr)
}

func syncDoc(opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	noPull, _ := opts.Bool("--no_pull")
	noPush, _ := opts.Bool("--no_push")
	forceSnapshot, _ := opts.Bool("--force_snapshot")

	runtime, store, cancel := openRuntime(opts, "")
	defer cancel()
	defer store.Close()

	unsub := runtime.OnSyncEvent(func(event *collab.SyncEvent) {
		if event.Err != nil {
			Err.Printf("%s %s: %s", event.Direction, event.Phase, event.Err)
		} else {
			Out.Printf("%s %s (%d bytes)", event.Direction, event.Phase, event.ByteCount)
		}
	})
	defer unsub()

	doc, err := runtime.Open(docId, nil)
	if err != nil {
		Err.Fatalf("open %s: %s", docId, err)
	}

	future := doc.Sync(&collab.SyncOptions{
		Pull:          !noPull,
		Push:          !noPush,
		ForceSnapshot: forceSnapshot,
	})
	if err := future.Wait(); err != nil {
		Err.Fatalf("sync: %s", err)
	}
	Out.Printf("synced %s (pending=%d)", docId, doc.PendingSyncCount())
}

func watch(opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	realtimeUrl, _ := opts.String("--realtime_url")

	runtime, store, cancel := openRuntime(opts, realtimeUrl)
	defer cancel()
	defer store.Close()

	doc, err := runtime.Open(docId, nil)
	if err != nil {
		Err.Fatalf("open %s: %s", docId, err)
	}

	view := doc.View()
	unsub := view.OnChange(func() {
		Out.Printf("-- v%d --", view.Version())
		for _, k := range view.Root().Keys() {
			value, _ := view.Root().Get(k)
			printValue(k, value)
		}
	})
	defer unsub()

	Out.Printf("watching %s (ctrl-c to stop)", docId)
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC
}

func remove(opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	runtime, store, cancel := openRuntime(opts, "")
	defer cancel()
	defer store.Close()

	if _, err := runtime.Open(docId, nil); err != nil {
		Err.Fatalf("open %s: %s", docId, err)
	}
	if err := runtime.Remove(docId); err != nil {
		Err.Fatalf("remove %s: %s", docId, err)
	}
	Out.Printf("removed %s", docId)
}

func login(opts docopt.Opts) {
	syncUrl, _ := opts.String("--sync_url")
	user, _ := opts.String("--user")

	fmt.Print("password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Fatalf("read password: %s", err)
	}

	token, err := authLogin(syncUrl, user, string(passwordBytes))
	if err != nil {
		Err.Fatalf("login: %s", err)
	}
	Out.Printf("%s", token)
}
