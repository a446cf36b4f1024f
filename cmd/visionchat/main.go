// Command visionchat is a minimal terminal driver for the chat client
// library: it reads questions from stdin, attaches local image files and
// prints the model's answers. The real presentation layer is a browser UI;
// this exists so the full submit/upload/persist path can be exercised
// without one.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbatchelor/visionchat/internal/api"
	"github.com/nbatchelor/visionchat/internal/attach"
	"github.com/nbatchelor/visionchat/internal/chat"
	"github.com/nbatchelor/visionchat/internal/sessionstore"
)

func main() {
	fs := flag.NewFlagSet("visionchat", flag.ExitOnError)
	serverURL := fs.String("server", "http://127.0.0.1:3000", "Backend base URL")
	dbPath := fs.String("db", defaultDBPath(), "Session database path")
	reset := fs.Bool("reset", false, "Clear the stored conversation and exit")
	_ = fs.Parse(os.Args[1:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	state, err := sessionstore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = state.Close() }()

	client, err := api.NewClient(api.Options{Logger: logger, BaseURL: *serverURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init client: %v\n", err)
		os.Exit(1)
	}

	store, err := chat.New(chat.Options{Logger: logger, Backend: client, State: state})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init store: %v\n", err)
		os.Exit(1)
	}

	if *reset {
		store.ClearMessages()
		fmt.Println("Conversation cleared.")
		return
	}

	mgr, err := attach.New(attach.Options{Logger: logger, Uploader: client, Sink: store})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init attachments: %v\n", err)
		os.Exit(1)
	}
	store.SetQueue(mgr)

	for _, msg := range store.Messages() {
		printMessage(msg)
	}
	fmt.Println(`Ask anything. Commands: /attach <path>, /remove <name>, /clear, /reset, /quit`)

	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/clear":
			mgr.Clear()
			fmt.Println("Attachments cleared.")
		case line == "/reset":
			store.ClearMessages()
			mgr.Clear()
			fmt.Println("Conversation cleared.")
		case strings.HasPrefix(line, "/remove "):
			mgr.Remove(strings.TrimSpace(strings.TrimPrefix(line, "/remove ")))
		case strings.HasPrefix(line, "/attach "):
			attachFile(ctx, mgr, strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			for _, att := range mgr.Pending() {
				state := "pending"
				if att.Ready {
					state = "ready"
				}
				fmt.Printf("  %s (%s, %d bytes) %s\n", att.Name, att.Type, att.Size, state)
			}
		default:
			ask(ctx, store, line)
		}
	}
}

func attachFile(ctx context.Context, mgr *attach.Manager, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read %s: %v\n", path, err)
		return
	}
	mgr.AddFiles(ctx, []attach.File{{
		Name: filepath.Base(path),
		Type: http.DetectContentType(data),
		Data: data,
	}})
}

func ask(ctx context.Context, store *chat.Store, question string) {
	before := len(store.Messages())
	if err := store.Submit(ctx, question); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}

	warned := false
	for store.Status() == chat.StatusThinking {
		if store.SlowWarning() && !warned {
			fmt.Println("Still thinking...")
			warned = true
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, msg := range store.Messages()[before+1:] {
		printMessage(msg)
	}
}

func printMessage(msg chat.Message) {
	switch {
	case chat.IsInputMessage(msg):
		fmt.Printf("you: %s\n", chat.DisplayText(msg))
		for _, ref := range msg.Images {
			fmt.Printf("  [image] %s\n", ref)
		}
	case chat.IsErrorMessage(msg):
		fmt.Printf("error: %s\n", chat.DisplayText(msg))
	default:
		fmt.Printf("model: %s\n", chat.DisplayText(msg))
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "visionchat.sqlite"
	}
	return filepath.Join(home, ".visionchat", "session.sqlite")
}
