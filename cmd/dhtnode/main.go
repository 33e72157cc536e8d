package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ncruces/dhtnode/dht"
)

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ping":
		err = cmdPing(os.Args[2:], logger)
	case "find-node":
		err = cmdFindNode(os.Args[2:], logger)
	case "get-peers":
		err = cmdGetPeers(os.Args[2:], logger)
	case "announce":
		err = cmdAnnounce(os.Args[2:], logger)
	case "serve":
		err = cmdServe(os.Args[2:], logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  dhtnode ping <bootstrap-addr>")
	fmt.Fprintln(os.Stderr, "  dhtnode find-node <bootstrap-addr> <target-hex>")
	fmt.Fprintln(os.Stderr, "  dhtnode get-peers <bootstrap-addr> <infohash-hex>")
	fmt.Fprintln(os.Stderr, "  dhtnode announce <bootstrap-addr> <infohash-hex> <port>")
	fmt.Fprintln(os.Stderr, "  dhtnode serve <listen-addr> <bootstrap-addr>")
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("dhtnode-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// bootstrapNode starts an ephemeral node bound to a random local port
// and bootstraps it against addr, which doubles as the initial
// liveness probe every smoke-test command needs anyway.
func bootstrapNode(addr string, logger *slog.Logger) (*dht.Node, error) {
	cfg := dht.DefaultConfig()
	cfg.BootstrapTimeout = 5 * time.Second
	n, err := dht.New("127.0.0.1:0", addr, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap against %s: %w", addr, err)
	}
	return n, nil
}

func parseID(s, label string) ([20]byte, error) {
	var id [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return id, fmt.Errorf("%s must be 40 hex characters (20 bytes)", label)
	}
	copy(id[:], raw)
	return id, nil
}

func cmdPing(args []string, logger *slog.Logger) error {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	n, err := bootstrapNode(args[0], logger)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	fmt.Printf("local id:       %x\n", n.LocalID())
	fmt.Printf("external addr:  %s\n", n.LocalEndpoint())
	return nil
}

func cmdFindNode(args []string, logger *slog.Logger) error {
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	target, err := parseID(args[1], "target")
	if err != nil {
		return err
	}

	n, err := bootstrapNode(args[0], logger)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	count := 0
	for ep := range n.FindNode(target) {
		fmt.Println(ep)
		count++
	}
	if count == 0 {
		fmt.Println("no exact match found")
	}
	return nil
}

func cmdGetPeers(args []string, logger *slog.Logger) error {
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	infoHash, err := parseID(args[1], "infohash")
	if err != nil {
		return err
	}

	n, err := bootstrapNode(args[0], logger)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	count := 0
	for ep := range n.GetPeers(infoHash) {
		fmt.Println(ep)
		count++
	}
	if count == 0 {
		fmt.Println("no peers found")
	}
	return nil
}

func cmdAnnounce(args []string, logger *slog.Logger) error {
	if len(args) != 3 {
		usage()
		os.Exit(2)
	}
	infoHash, err := parseID(args[1], "infohash")
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(args[2], 10, 16); err != nil {
		return fmt.Errorf("port must be a 16-bit integer")
	}

	n, err := bootstrapNode(args[0], logger)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	// Prime tokens by running get_peers against the swarm first.
	for range n.GetPeers(infoHash) {
	}
	ok := n.AnnouncePeer(infoHash, true)
	fmt.Printf("announced to %d node(s)\n", ok)
	return nil
}

func cmdServe(args []string, logger *slog.Logger) error {
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}

	n, err := dht.New(args[0], args[1], dht.DefaultConfig(), logger)
	if err != nil {
		return err
	}

	fmt.Printf("node running: id=%x external=%s\n", n.LocalID(), n.LocalEndpoint())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	n.Shutdown()
	return nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
