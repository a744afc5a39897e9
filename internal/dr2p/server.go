package dr2p

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/Monkeyhbd/dr2p-go/internal/dr2p/transport"
)

// Server accepts new frame-transport connections, wrapping each one in its
// own Peer and assigning it a monotonic client id (spec.md §2.4, §4.4).
type Server struct {
	listener transport.Listener
	logger   *zap.Logger
	codecs   *Registry
	workers  int64

	handlersMu     sync.RWMutex
	handlers       map[string]Factory
	defaultHandler Factory

	nextClientID uint64

	clientsMu sync.RWMutex
	clients   map[uint64]*Peer
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithServerLogger attaches a structured logger, passed through to every
// accepted Peer.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerCodecs overrides the codec registry every accepted Peer uses.
func WithServerCodecs(r *Registry) ServerOption {
	return func(s *Server) { s.codecs = r }
}

// WithServerWorkerLimit bounds per-connection concurrent frame handling
// (see WithWorkerLimit).
func WithServerWorkerLimit(n int64) ServerOption {
	return func(s *Server) { s.workers = n }
}

// NewServer wraps l in a Server.
func NewServer(l transport.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener: l,
		logger:   zap.NewNop(),
		codecs:   NewRegistry(),
		handlers: make(map[string]Factory),
		clients:  make(map[uint64]*Peer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHandler registers factory for path on every Peer the server accepts
// from now on, and on every Peer already accepted.
func (s *Server) SetHandler(path string, factory Factory) {
	s.handlersMu.Lock()
	s.handlers[path] = factory
	s.handlersMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, peer := range s.clients {
		peer.SetHandler(path, factory)
	}
}

// SetDefaultHandler installs the catch-all factory (see Peer.SetDefaultHandler)
// on every Peer the server accepts.
func (s *Server) SetDefaultHandler(factory Factory) {
	s.handlersMu.Lock()
	s.defaultHandler = factory
	s.handlersMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, peer := range s.clients {
		peer.SetDefaultHandler(factory)
	}
}

// Bind binds the underlying listener.
func (s *Server) Bind(ctx context.Context, host string, port int) error {
	return s.listener.Bind(ctx, host, port)
}

// Run installs the accept callback and runs the transport's accept loop
// until it returns (spec.md §4.4). For each accepted connection it
// allocates a client id, wraps the connection in a Peer carrying the
// server's handler table, and starts that peer's receive loop.
func (s *Server) Run(ctx context.Context) error {
	return s.listener.Accept(ctx, func(t transport.Transport) {
		id := atomic.AddUint64(&s.nextClientID, 1)

		s.handlersMu.RLock()
		handlers := make(map[string]Factory, len(s.handlers))
		for path, f := range s.handlers {
			handlers[path] = f
		}
		defaultHandler := s.defaultHandler
		s.handlersMu.RUnlock()

		peer := NewPeer(t, WithLogger(s.logger), WithCodecs(s.codecs), WithWorkerLimit(s.workers))
		for path, f := range handlers {
			peer.SetHandler(path, f)
		}
		if defaultHandler != nil {
			peer.SetDefaultHandler(defaultHandler)
		}
		peer.setRemoteHost(strconv.FormatUint(id, 10))

		s.clientsMu.Lock()
		s.clients[id] = peer
		s.clientsMu.Unlock()

		s.logger.Info("accepted client", zap.Uint64("client_id", id))
		peer.StartMainloop(ctx, false)
	})
}

// Request forwards to the named client's Peer.Request (spec.md §4.4).
func (s *Server) Request(ctx context.Context, clientID uint64, path string, msg any, opts ...RequestOption) (Result, error) {
	s.clientsMu.RLock()
	peer, ok := s.clients[clientID]
	s.clientsMu.RUnlock()
	if !ok {
		return Result{}, xerrors.Errorf("dr2p: client %d: %w", clientID, ErrUnknownClient)
	}
	return peer.Request(ctx, path, msg, opts...)
}

// Peer returns the Peer for an accepted client, if any.
func (s *Server) Peer(clientID uint64) (*Peer, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	peer, ok := s.clients[clientID]
	return peer, ok
}

// Close tears down the listener and every accepted Peer, draining each
// one's stream_callbacks along the way (Peer.Close, SPEC_FULL.md §12) so a
// server shutdown can't leave streaming callbacks registered with nothing
// left to ever deliver their terminal frame.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.clientsMu.RLock()
	peers := make([]*Peer, 0, len(s.clients))
	for _, peer := range s.clients {
		peers = append(peers, peer)
	}
	s.clientsMu.RUnlock()

	for _, peer := range peers {
		if cerr := peer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
