// Binary selftest runs both ends of a connection inside one process:
// a local STUN server, two identities, the full exchange, and a few
// frames over the resulting channel. Useful as a smoke check of the
// whole stack on a new machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/agoravoice/agora/connect"
	"github.com/agoravoice/agora/session"
	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/stun"
)

var verbose = flag.Bool("v", false, "enable debug logging")

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	stunSrv := stun.NewServer(sctx)
	if err := stunSrv.Listen(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		log.Fatalf("stun listen: %v", err)
	}
	go func() {
		_ = stunSrv.Serve()
	}()
	stunAddr := stunSrv.LocalAddr().(*net.UDPAddr).AddrPort().String()

	hub := connect.NewMemHub()
	idA, idB := key.NewNode(), key.NewNode()

	mk := func(id key.NodePrivate) *connect.Connector {
		c, err := connect.New(connect.Config{
			Identity:    id,
			StunServers: []string{stunAddr},
			Deadline:    10 * time.Second,
		}, hub.Endpoint(id.Public()))
		if err != nil {
			log.Fatal(err)
		}
		return c
	}
	ca, cb := mk(idA), mk(idB)

	var (
		wg         sync.WaitGroup
		chA, chB   *session.Channel
		repA       *connect.Report
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		chA, repA, errA = ca.Connect(ctx, idB.Public(), nil)
	}()
	go func() {
		defer wg.Done()
		chB, _, errB = cb.Connect(ctx, idA.Public(), nil)
	}()
	wg.Wait()

	if errA != nil {
		log.Fatalf("side A: %v", errA)
	}
	if errB != nil {
		log.Fatalf("side B: %v", errB)
	}
	defer chA.Close()
	defer chB.Close()

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("frame %d", i)
		if err := chA.Send([]byte(msg)); err != nil {
			log.Fatalf("send: %v", err)
		}
		got, err := chB.Receive(ctx)
		if err != nil {
			log.Fatalf("receive: %v", err)
		}
		if string(got) != msg {
			log.Fatalf("frame mismatch: %q != %q", got, msg)
		}
	}

	fmt.Println("ok")
	fmt.Printf("peer fingerprint:  %s\n", chA.PeerFingerprint())
	fmt.Printf("rtt:               %s\n", repA.RTT)
	fmt.Printf("quality:           %s\n", repA.Quality)
	fmt.Printf("used relay:        %v\n", repA.UsedRelay)
	fmt.Printf("established in:    %s\n", repA.Elapsed)
}
