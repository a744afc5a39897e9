package dr2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Monkeyhbd/dr2p-go/internal/dr2p/transport"
)

// TestServerClientOverTCP exercises Server and Client together through the
// real TCPTransport/TCPListener, rather than the in-memory Pipe the rest of
// the package's tests use, so the wire framer and the accept loop are
// covered end to end (spec.md §6, §4.4).
func TestServerClientOverTCP(t *testing.T) {
	logger := zaptest.NewLogger(t)
	listener := transport.NewTCPListener(transport.WithTCPListenerLogger(logger))
	srv := NewServer(listener, WithServerLogger(logger))
	srv.SetHandler("/echo", echoHandler())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := srv.Bind(ctx, "127.0.0.1", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	addr := listener.Addr()
	go srv.Run(ctx)

	client := NewClient(transport.NewTCPTransport(transport.WithTCPLogger(logger)), WithLogger(logger))
	if err := client.Connect(ctx, addr.IP.String(), addr.Port, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.StartMainloop(ctx, false)
	t.Cleanup(func() { client.Close() })

	res, err := client.Request(ctx, "/echo", "ping", WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Msg != "ping" {
		t.Fatalf("expected echo of %q, got %#v", "ping", res.Msg)
	}
}

func TestServerRequestUnknownClient(t *testing.T) {
	logger := zaptest.NewLogger(t)
	listener := transport.NewTCPListener()
	srv := NewServer(listener, WithServerLogger(logger))
	_, err := srv.Request(context.Background(), 99, "/echo", nil)
	if !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
}
