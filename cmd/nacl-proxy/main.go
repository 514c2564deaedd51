// Command nacl-proxy is the CLI entry point: a bidirectional TCP relay
// with optional Curve25519/secretbox framing on either leg.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/account-login/ctxlog"

	"github.com/kevin-mckenzie/nacl-proxy/internal/engine"
	"github.com/kevin-mckenzie/nacl-proxy/internal/netutil"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-i] [-o] [-4] <bind-addr> <bind-port> <server-addr> <server-port>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  -i  encrypt the client-facing leg\n")
	fmt.Fprintf(os.Stderr, "  -o  encrypt the server-facing leg\n")
	fmt.Fprintf(os.Stderr, "  -4  prefer IPv4 when resolving the server address\n")
}

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	inbound := flag.Bool("i", false, "encrypt the client-facing leg")
	outbound := flag.Bool("o", false, "encrypt the server-facing leg")
	preferV4 := flag.Bool("4", false, "prefer IPv4 when resolving the server address")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 4 {
		usage()
		os.Exit(2)
	}

	bindAddr := flag.Arg(0)
	bindPort, err := netutil.ParseBindPort(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad bind port: %v\n", err)
		os.Exit(2)
	}
	serverAddr := flag.Arg(2)
	serverPort, err := netutil.ParseBindPort(flag.Arg(3))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad server port: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()

	cfg := &engine.Config{
		ClientEncrypted: *inbound,
		ServerEncrypted: *outbound,
		UpstreamAddr:    net.JoinHostPort(serverAddr, fmt.Sprint(serverPort)),
		PreferIPv4:      *preferV4,
	}

	loop, err := engine.NewLoop(net.JoinHostPort(bindAddr, fmt.Sprint(bindPort)), cfg)
	if err != nil {
		ctxlog.Errorf(ctx, "listen: %v", err)
		os.Exit(1)
	}
	ctxlog.Infof(ctx, "listening on %v, forwarding to %v (client-encrypted=%v server-encrypted=%v)",
		loop.Addr(), cfg.UpstreamAddr, cfg.ClientEncrypted, cfg.ServerEncrypted)

	runDone := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { runDone <- loop.Run(runCtx) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		ctxlog.Infof(ctx, "received %v, shutting down", sig)
		cancel()
		<-runDone
	case err := <-runDone:
		cancel()
		if err != nil {
			ctxlog.Errorf(ctx, "run: %v", err)
			os.Exit(1)
		}
	}

	ctxlog.Infof(ctx, "exiting")
}
