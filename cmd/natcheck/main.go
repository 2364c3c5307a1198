// Binary natcheck probes the given STUN servers and reports what
// kind of NAT this host sits behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agoravoice/agora/netcheck"
)

func main() {
	flag.Parse()

	servers := flag.Args()
	if len(servers) < 2 {
		log.Fatalf("usage: %s <stun-server:port> <stun-server:port> [...]\nclassification needs at least two vantage points", os.Args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := netcheck.NewClient(netcheck.Config{Servers: servers})
	report, err := c.Probe(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("local address:   %s\n", report.LocalAddr)
	fmt.Printf("public address:  %s\n", report.PublicAddr)
	fmt.Printf("nat type:        %s\n", report.Assessment.Type)
	fmt.Printf("can hole punch:  %v\n", report.Assessment.CanHolePunch)
}
