// Binary turn_server runs the relay fallback for peers that cannot
// hole punch. Credentials come from a JSON file mapping usernames to
// passwords.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/exp/maps"

	"github.com/agoravoice/agora/turn"
)

var (
	addr      = flag.String("a", "0.0.0.0", "IP address to bind")
	port      = flag.Int("port", 3478, "UDP port to serve TURN on")
	realm     = flag.String("realm", "agora", "authentication realm")
	usersPath = flag.String("users", "", "path to JSON file of username to password")
	lifetime  = flag.Duration("max-lifetime", 10*time.Minute, "maximum allocation lifetime granted")
	verbose   = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *usersPath == "" {
		log.Fatal("-users is required")
	}
	raw, err := os.ReadFile(*usersPath)
	if err != nil {
		log.Fatalf("reading %s: %v", *usersPath, err)
	}
	users := make(map[string]string)
	if err := json.Unmarshal(raw, &users); err != nil {
		log.Fatalf("parsing %s: %v", *usersPath, err)
	}
	if len(users) == 0 {
		log.Fatalf("%s contains no users", *usersPath)
	}

	a, err := netip.ParseAddr(*addr)
	if err != nil {
		log.Fatalf("bad bind address %q: %v", *addr, err)
	}

	srv := turn.NewServer(turn.ServerConfig{
		Realm:       *realm,
		Users:       users,
		MaxLifetime: *lifetime,
	})
	if err := srv.Listen(netip.AddrPortFrom(a, uint16(*port))); err != nil {
		log.Fatalf("listen: %v", err)
	}
	slog.Info("turn server listening", "addr", srv.LocalAddr(), "realm", *realm, "users", maps.Keys(users))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.Fatal(err)
	}
}
