// Command loadtest is the TCP-level analog of the teacher's t-client/
// t-server: a rate-controlled echo server and a client that writes at one
// rate and reads back at another, verifying nothing was lost or
// reordered. Unlike the teacher's pair, this one speaks raw TCP instead of
// HTTP, since this proxy is byte-stream-only and protocol-unaware (spec
// section 1, Non-goals).
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/account-login/ctxlog"
)

func rateCtrl(start time.Time, n int, bps int) {
	if bps <= 0 {
		return
	}
	expected := time.Duration(float64(time.Second) * float64(n) / float64(bps))
	actual := time.Since(start)
	if expected > actual {
		time.Sleep(expected - actual)
	}
}

func runServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx := context.Background()
	ctxlog.Infof(ctx, "loadtest server listening on %v", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func(c net.Conn) {
			defer c.Close()
			// Echo everything straight back; the client drives both the
			// write and read rates, so the server just forwards bytes.
			_, _ = io.Copy(c, c)
		}(conn)
	}
}

func runClient(addr string, totalBytes, writeBPS, readBPS, step int) error {
	ctx := context.Background()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := make([]byte, totalBytes)
	if _, err := rand.Read(payload); err != nil {
		return err
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeAtRate(ctx, conn, payload, writeBPS, step)
	}()

	got, err := readAtRate(ctx, conn, len(payload), readBPS, step)
	if err != nil {
		return err
	}
	if err := <-writeErr; err != nil {
		return err
	}

	if !bytes.Equal(got, payload) {
		return fmt.Errorf("loadtest: round trip mismatch, got %d bytes want %d", len(got), len(payload))
	}
	ctxlog.Infof(ctx, "round trip of %d bytes verified", len(payload))
	return nil
}

func writeAtRate(ctx context.Context, w io.Writer, data []byte, bps, step int) error {
	start := time.Now()
	n := 0
	for n < len(data) {
		end := n + step
		if end > len(data) {
			end = len(data)
		}
		written, err := w.Write(data[n:end])
		if err != nil {
			return err
		}
		n += written
		ctxlog.Debugf(ctx, "wrote %v/%v", n, len(data))
		rateCtrl(start, n, bps)
	}
	return nil
}

func readAtRate(ctx context.Context, r io.Reader, want, bps, step int) ([]byte, error) {
	start := time.Now()
	got := make([]byte, 0, want)
	buf := make([]byte, step)
	for len(got) < want {
		n, err := r.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			ctxlog.Debugf(ctx, "read %v/%v", len(got), want)
		}
		if err != nil {
			return got, err
		}
		rateCtrl(start, len(got), bps)
	}
	return got, nil
}

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	mode := flag.String("mode", "", "server or client")
	addr := flag.String("addr", "127.0.0.1:19000", "address to listen on (server) or dial (client)")
	totalBytes := flag.Int("bytes", 1<<20, "client: total payload bytes to round-trip")
	writeBPS := flag.Int("write-bps", 0, "client: write rate in bytes/sec (0 = unlimited)")
	readBPS := flag.Int("read-bps", 0, "client: read rate in bytes/sec (0 = unlimited)")
	step := flag.Int("step", 4096, "client: chunk size per Read/Write call")
	flag.Parse()

	switch *mode {
	case "server":
		if err := runServer(*addr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "client":
		if err := runClient(*addr, *totalBytes, *writeBPS, *readBPS, *step); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: loadtest -mode=server|client [-addr=...] [-bytes=...] [-write-bps=...] [-read-bps=...] [-step=...]")
		os.Exit(2)
	}
}
