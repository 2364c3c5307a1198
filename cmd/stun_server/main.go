// Binary stun_server serves STUN binding responses over UDP, for
// deployments that run their own reflexive-address infrastructure.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/agoravoice/agora/types/stun"
)

var (
	addr    = flag.String("a", "0.0.0.0", "IP address to bind")
	port    = flag.Int("port", 3478, "UDP port to serve STUN on")
	verbose = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	a, err := netip.ParseAddr(*addr)
	if err != nil {
		log.Fatalf("bad bind address %q: %v", *addr, err)
	}
	ap := netip.AddrPortFrom(a, uint16(*port))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := stun.NewServer(ctx)
	if err := s.Listen(ap); err != nil {
		log.Fatalf("listen on %s: %v", ap, err)
	}
	slog.Info("stun server listening", "addr", s.LocalAddr())

	go func() {
		<-ctx.Done()
		os.Exit(0)
	}()

	if err := s.Serve(); err != nil {
		log.Fatal(err)
	}
}
