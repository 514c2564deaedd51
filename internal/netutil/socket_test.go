package netutil

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestListenAndReuseAddr(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second listener on the exact same address should succeed promptly
	// because SO_REUSEADDR is set; without it a recently closed socket
	// could still be in TIME_WAIT on some systems.
	ln2, err := Listen("tcp", addr)
	if err != nil {
		t.Fatalf("second Listen on %s: %v", addr, err)
	}
	defer ln2.Close()
}

func TestDialUpstreamConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialUpstream(ctx, ln.Addr().String(), true)
	if err != nil {
		t.Fatalf("DialUpstream: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never observed the dial")
	}
}

func TestDialUpstreamFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := DialUpstream(ctx, addr, false); err == nil {
		t.Fatalf("DialUpstream: expected an error dialing a closed port")
	}
}

func TestParseBindPort(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"65535", 65535, false},
		{"7000", 7000, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ParseBindPort(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseBindPort(%q): got (%d, nil), want error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBindPort(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseBindPort(%q): got %d, want %d", c.in, got, c.want)
		}
	}
}
