// tailcat is a small command-line demonstration of the tail client: it
// opens a session against a running server and prints events as they
// arrive, either following live or replaying from a cursor and exiting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashureev/tailclient"
	"github.com/ashureev/tailclient/config"
	"github.com/ashureev/tailclient/stores"
	"github.com/ashureev/tailclient/tail"
	"github.com/ashureev/tailclient/transport"
	"github.com/ashureev/tailclient/wire"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	follow := flag.Bool("follow", true, "stay open and reconnect on drop; false replays and exits")
	agent := flag.String("agent", "", "only print events authored by agent:<name>")
	cursor := flag.Int64("cursor", 0, "cursor to start from (overrides -durable's stored cursor)")
	durable := flag.Bool("durable", false, "checkpoint progress in an in-memory cursor store")
	token := flag.String("token", os.Getenv("TAILCLIENT_TOKEN"), "session token")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailcat [flags] <session-id>")
		os.Exit(2)
	}
	sessionID := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := tailclient.Options{
		Identity:   tailclient.Identity{ID: "tailcat-" + uuid.NewString(), Type: tailclient.IdentityUser},
		SessionID:  sessionID,
		Token:      *token,
		APIBaseURL: cfg.APIBaseURL,
		WSBaseURL:  cfg.WSBaseURL,
		AuthTransport: cfg.Auth.Transport,
		Policy: transport.Policy{
			Mode:         transport.Mode(cfg.Reconnect.Mode),
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			JitterRatio:  cfg.Reconnect.JitterRatio,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		CatchUpIdle:        cfg.Tail.CatchUpIdle,
		ConnectionTimeout:  cfg.Tail.ConnectionTimeout,
		InactivityTimeout:  cfg.Tail.InactivityTimeout,
		MaxBufferedBatches: cfg.Tail.MaxBufferedBatches,
		Logger:             logger,
	}

	session, err := tailclient.New(ctx, opts)
	if err != nil {
		slog.Error("failed to construct session", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	enc := json.NewEncoder(os.Stdout)
	startCursor := *cursor

	if *durable {
		cursorStore := stores.NewMemoryCursorStore()
		var explicitCursor *int64
		if startCursor > 0 {
			explicitCursor = &startCursor
		}
		err = session.Consume(ctx, tailclient.ConsumeOptions{
			TailOptions: tailclient.TailOptions{
				Agent:  *agent,
				Follow: follow,
				Cursor: explicitCursor,
			},
			CursorStore: cursorStore,
			Handler: func(_ context.Context, e wire.Event) error {
				return enc.Encode(e)
			},
		})
	} else {
		err = session.Tail(ctx, tailclient.TailOptions{
			Agent:  *agent,
			Follow: follow,
			Cursor: &startCursor,
			OnLifecycleEvent: func(evt tail.LifecycleEvent) {
				slog.Debug("tail lifecycle", "kind", evt.Kind, "attempt", evt.Attempt, "code", evt.Code)
			},
		}, func(b tail.Batch) error {
			for _, e := range b.Events {
				if encErr := enc.Encode(e); encErr != nil {
					return encErr
				}
			}
			return nil
		})
	}

	if err != nil && ctx.Err() == nil {
		slog.Error("tailcat exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("tailcat stopped")
}
