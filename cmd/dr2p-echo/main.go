// Command dr2p-echo is a minimal client/server pair exercising the dr2p
// package over a real TCP connection: the server echoes whatever body it
// receives on /echo and counts to three on /count.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Monkeyhbd/dr2p-go/internal/dr2p"
	"github.com/Monkeyhbd/dr2p-go/internal/dr2p/transport"
)

func main() {
	var (
		mode = flag.String("mode", "server", "\"server\" or \"client\"")
		host = flag.String("host", "127.0.0.1", "host to bind or dial")
		port = flag.Int("port", 7790, "port to bind or dial")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("dr2p-echo: build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	switch *mode {
	case "server":
		if err := runServer(ctx, logger, *host, *port); err != nil {
			logger.Fatal("server exited", zap.Error(err))
		}
	case "client":
		if err := runClient(ctx, logger, *host, *port); err != nil {
			logger.Fatal("client exited", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "dr2p-echo: unknown -mode %q, want \"server\" or \"client\"\n", *mode)
		os.Exit(2)
	}
}

func runServer(ctx context.Context, logger *zap.Logger, host string, port int) error {
	listener := transport.NewTCPListener()
	srv := dr2p.NewServer(listener,
		dr2p.WithServerLogger(logger),
		dr2p.WithServerWorkerLimit(64),
	)
	srv.SetHandler("/echo", func() dr2p.Handler {
		return dr2p.HandlerFunc(func(hctx *dr2p.Context, msg any) dr2p.HandlerResult {
			return dr2p.Value{V: msg}
		})
	})
	srv.SetHandler("/count", func() dr2p.Handler {
		return dr2p.HandlerFunc(func(hctx *dr2p.Context, msg any) dr2p.HandlerResult {
			n := 0
			return dr2p.Stream{Step: func() (any, bool) {
				n++
				return n, n < 3
			}}
		})
	})

	if err := srv.Bind(ctx, host, port); err != nil {
		return err
	}
	logger.Info("listening", zap.String("host", host), zap.Int("port", port))
	return srv.Run(ctx)
}

func runClient(ctx context.Context, logger *zap.Logger, host string, port int) error {
	tr := transport.NewTCPTransport()
	client := dr2p.NewClient(tr, dr2p.WithLogger(logger))
	if err := client.Connect(ctx, host, port, true); err != nil {
		return err
	}
	client.StartMainloop(ctx, false)

	res, err := client.Request(ctx, "/echo", map[string]any{"hello": "dr2p"}, dr2p.WithTimeout(5*time.Second))
	if err != nil {
		return err
	}
	logger.Info("echo reply", zap.Any("msg", res.Msg))

	done := make(chan struct{})
	_, err = client.Request(ctx, "/count", nil, dr2p.WithContinuedCallback(func(res dr2p.Result, more bool) {
		logger.Info("count frame", zap.Any("msg", res.Msg), zap.Bool("more", more))
		if !more {
			close(done)
		}
	}))
	if err != nil {
		return err
	}
	<-done
	return client.Close()
}
