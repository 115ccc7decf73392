package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"chatlink/internal/adapter/gateway"
	"chatlink/internal/domain"
	"chatlink/internal/infra/config"
	"chatlink/internal/infra/logger"
	"chatlink/internal/infra/tracer"
	"chatlink/internal/usecase"
	"chatlink/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatlink:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "chatlink.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	client := gateway.NewClient(gateway.Options{
		Endpoint:       cfg.Gateway.Endpoint,
		Token:          cfg.Gateway.Token,
		ClientID:       cfg.Gateway.ClientID,
		ClientVersion:  version,
		Mode:           cfg.Gateway.Mode,
		Role:           cfg.Gateway.Role,
		Scopes:         cfg.Gateway.Scopes,
		Locale:         cfg.Gateway.Locale,
		RequestTimeout: cfg.Gateway.Timeout(),
		RequestsPerSec: cfg.Gateway.RequestsPerSec,
		RequestBurst:   cfg.Gateway.RequestBurst,
	}, log)

	sess := usecase.NewSession(client, bus, usecase.SessionOptions{
		SessionKey:   cfg.Session.Key,
		HistoryLimit: cfg.Session.HistoryLimit,
	}, log)
	defer sess.Close()

	r := newRenderer(sess)
	bus.Subscribe(domain.EventMessagesUpdated, r.onUpdate)
	bus.Subscribe(domain.EventConnectionState, r.onConnectionState)
	bus.Subscribe(domain.EventStreamError, r.onStreamError)

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/abort":
				if err := sess.Abort(ctx); err != nil {
					log.Warn("abort failed", "error", err)
				}
			default:
				if err := sess.Send(ctx, line); err != nil {
					log.Warn("send rejected", "error", err)
				}
			}
		}
	}
}

const version = "0.1.0"

// renderer prints the incremental tail of the streaming message as the
// list evolves. Finalized messages that never streamed (history replay,
// error notices) are printed whole.
type renderer struct {
	sess    *usecase.Session
	mu      sync.Mutex
	printed map[string]int  // message ID -> bytes already printed
	closed  map[string]bool // message ID -> trailing newline emitted
}

func newRenderer(sess *usecase.Session) *renderer {
	return &renderer{
		sess:    sess,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}
}

func (r *renderer) onUpdate(_ context.Context, _ domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.sess.Messages() {
		if msg.Role == domain.RoleUser {
			continue
		}
		if n := r.printed[msg.ID]; len(msg.Content) > n {
			fmt.Print(msg.Content[n:])
			r.printed[msg.ID] = len(msg.Content)
		}
		if !msg.Streaming && !r.closed[msg.ID] {
			fmt.Println()
			r.closed[msg.ID] = true
		}
	}
}

func (r *renderer) onStreamError(_ context.Context, ev domain.Event) {
	if len(ev.Payload) > 0 {
		fmt.Printf("\n[stream error] %s\n", ev.Payload)
	}
}

func (r *renderer) onConnectionState(_ context.Context, ev domain.Event) {
	fmt.Printf("\n[%s]\n", ev.Payload)
}
