package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/config"
	"github.com/luciancaetano/peermux/internal/observability"
	"github.com/luciancaetano/peermux/ws"
)

const closeTimeout = 5 * time.Second

// line is the payload published for every input line.
type line struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type clientSettings struct {
	client ws.ClientConfig
	topic  string
}

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	settings := clientSettings{
		client: ws.ClientConfigFrom(cfg.Client, logger),
		topic:  cfg.Client.Topic,
	}
	opts.apply(&settings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session(ctx, settings, os.Stdin, os.Stdout); err != nil {
		zap.L().Error("session failed", zap.Error(err))
		return 1
	}
	return 0
}

// session stays joined until ctx is done or the relay connection closes.
func session(ctx context.Context, s clientSettings, in io.Reader, out io.Writer) error {
	log := s.client.Logger
	if log == nil {
		log = zap.NewNop()
	}

	root, err := ws.Connect(ctx, s.client)
	if err != nil {
		return err
	}
	log = log.With(zap.String("topic", s.topic))

	closed := make(chan peermux.Event, 1)
	root.On(peermux.EventClose, func(e peermux.Event) { closed <- e })
	root.On(peermux.EventOpen, func(peermux.Event) {
		log.Info("joined service", zap.String("service", s.client.Service))
	})
	root.On(peermux.EventConnect, func(e peermux.Event) {
		log.Info("peer joined", zap.String("peer", string(e.Peer.ID())))
	})
	root.On(peermux.EventDisconnect, func(e peermux.Event) {
		log.Info("peer left", zap.String("peer", string(e.Peer.ID())))
	})
	root.On(peermux.EventError, func(e peermux.Event) {
		log.Warn("connection error", zap.Error(e.Err))
	})

	printer := &linePrinter{w: out}
	router := ws.NewRouter(root, ws.WithRouterLogger(log), ws.WithNodeID(string(root.ID())))
	defer router.Close()
	if err := router.Subscribe(s.topic, ws.NewCallback(printer.print)); err != nil {
		root.Close()
		return err
	}

	go publishLines(router, s.topic, string(root.ID()), in, log)

	select {
	case e := <-closed:
		if e.Code != peermux.CloseNormal {
			return fmt.Errorf("connection closed: %d %s", e.Code, e.Reason)
		}
		return nil
	case <-ctx.Done():
	}

	_ = root.Close()
	select {
	case <-closed:
	case <-time.After(closeTimeout):
		log.Warn("relay did not acknowledge close")
	}
	return nil
}

func publishLines(router *ws.Router, topic, from string, in io.Reader, log *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := router.Publish(topic, line{From: from, Text: text}, nil); err != nil {
			log.Warn("publish failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading input", zap.Error(err))
	}
}

// linePrinter writes publications as "[from] text", or raw JSON for foreign payloads.
type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePrinter) print(payload json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var l line
	if err := json.Unmarshal(payload, &l); err != nil || l.Text == "" {
		fmt.Fprintf(p.w, "%s\n", payload)
		return
	}
	fmt.Fprintf(p.w, "[%s] %s\n", l.From, l.Text)
}
