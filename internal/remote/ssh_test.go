package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gridctl/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestJoinCommandEscaping(t *testing.T) {
	testlog.Start(t)
	got := JoinCommand("echo", "a b", "quote'v")
	want := "'echo' 'a b' 'quote'\"'\"'v'"
	if got != want {
		t.Fatalf("unexpected joined command\nwant: %s\ngot:  %s", want, got)
	}
	if Quote("") != "''" {
		t.Fatalf("unexpected empty quote: %s", Quote(""))
	}
	log.Debug().Str("cmd", got).Msg("runner/join-command")
}

func TestOptionsAddressValidation(t *testing.T) {
	testlog.Start(t)
	o := Options{}
	if _, err := o.address(); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected host validation error, got %v", err)
	}

	o.Host = "login.cluster"
	addr, err := o.address()
	if err != nil {
		t.Fatalf("unexpected address error: %v", err)
	}
	if addr != "login.cluster:22" {
		t.Fatalf("expected default ssh port, got %q", addr)
	}

	o.Port = "2222"
	if addr, _ := o.address(); addr != "login.cluster:2222" {
		t.Fatalf("unexpected explicit port address: %q", addr)
	}
}

func TestOptionsClientConfigValidation(t *testing.T) {
	testlog.Start(t)
	o := Options{Host: "login.cluster"}
	if _, _, err := o.clientConfig(DefaultConfig()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected missing user auth error, got %v", err)
	}

	o.User = "alice"
	if _, _, err := o.clientConfig(DefaultConfig()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected missing method auth error, got %v", err)
	}

	o.Password = "secret"
	o.InsecureSkipHostKeyChecking = true
	cfg, cleanup, err := o.clientConfig(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected client config error: %v", err)
	}
	defer cleanup()
	if cfg.User != "alice" || len(cfg.Auth) != 2 {
		t.Fatalf("unexpected client config: user=%q methods=%d", cfg.User, len(cfg.Auth))
	}
}

func TestOptionsMissingKeyFileIsAuthError(t *testing.T) {
	testlog.Start(t)
	o := Options{Host: "h", User: "u", KeyPath: "/nonexistent/id_ed25519"}
	if _, _, err := o.clientConfig(DefaultConfig()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestClassifyHandshakeError(t *testing.T) {
	err := classifyHandshakeError("h:22", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	err = classifyHandshakeError("h:22", errors.New("read tcp: i/o timeout"))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestTarget(t *testing.T) {
	if got := (Options{User: " alice ", Host: "login"}).Target(); got != "alice@login" {
		t.Fatalf("unexpected target: %q", got)
	}
}

func TestIsBrokenConn(t *testing.T) {
	broken := []error{
		errConnLost,
		errors.New("write tcp 10.0.0.1:22: write: broken pipe"),
		errors.New("read: connection reset by peer"),
	}
	for _, err := range broken {
		if !isBrokenConn(err) {
			t.Fatalf("expected broken: %v", err)
		}
	}
	if isBrokenConn(errors.New("permission denied")) || isBrokenConn(nil) {
		t.Fatalf("unexpected broken classification")
	}
	if !strings.Contains(startedError{err: errConnLost}.Error(), "connection lost") {
		t.Fatalf("unexpected started error text")
	}
}

// silentListener accepts TCP connections and never speaks SSH.
func silentListener(t *testing.T) (host string, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	return h, p
}

func TestDialHandshakeTimeoutIsConnectError(t *testing.T) {
	testlog.Start(t)
	host, port := silentListener(t)
	opts := Options{Host: host, Port: port, User: "u", Password: "p", InsecureSkipHostKeyChecking: true}
	cfg := Config{ConnectTimeout: 300 * time.Millisecond}

	start := time.Now()
	s, err := Dial(context.Background(), opts, cfg)
	if err == nil {
		s.Close()
		t.Fatalf("expected handshake failure")
	}
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("handshake not bounded by connect timeout: %v", elapsed)
	}
}

func TestDialHandshakeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	host, port := silentListener(t)
	opts := Options{Host: host, Port: port, User: "u", Password: "p", InsecureSkipHostKeyChecking: true}
	cfg := Config{ConnectTimeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	start := time.Now()
	_, err := Dial(ctx, opts, cfg)
	if !errors.Is(err, ErrConnect) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrConnect wrapping context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("dial ignored cancellation: %v", elapsed)
	}
}
