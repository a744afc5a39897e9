package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// maxReconnectBackoff caps the capped-exponential backoff Reconnect applies
// between dial attempts (SPEC_FULL.md §12).
const maxReconnectBackoff = 30 * time.Second

// TCPTransport is a length-prefixed, JSON-headed Transport over a net.Conn.
// One TCPTransport is either the active (client) side of a connection,
// constructed unconnected and dialed with Connect, or a passive (server)
// side handed to a Listener's accept callback already wrapping an accepted
// net.Conn.
type TCPTransport struct {
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	lastHost string
	lastPort int
}

// NewTCPTransport returns an unconnected TCPTransport for a client to dial.
func NewTCPTransport(opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{logger: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TCPOption configures a TCPTransport or TCPListener.
type TCPOption func(*TCPTransport)

// WithTCPLogger attaches a structured logger.
func WithTCPLogger(l *zap.Logger) TCPOption {
	return func(t *TCPTransport) { t.logger = l }
}

func newAcceptedTransport(conn net.Conn, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		logger: logger,
		conn:   conn,
		r:      bufio.NewReader(conn),
	}
}

func (t *TCPTransport) Connect(ctx context.Context, host string, port int) error {
	t.lastHost, t.lastPort = host, port
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if isRefused(err) {
			return ErrConnRefused
		}
		return xerrors.Errorf("transport: dial %s:%d: %w", host, port, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.r = bufio.NewReader(conn)
	t.mu.Unlock()
	return nil
}

func (t *TCPTransport) Reconnect(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	attempt := 0
	for {
		attempt++
		err := t.Connect(ctx, t.lastHost, t.lastPort)
		if err == nil {
			return nil
		}
		t.logger.Info("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("host", t.lastHost),
			zap.Int("port", t.lastPort),
			zap.Error(err),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (t *TCPTransport) Send(ctx context.Context, head map[string]any, body []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return xerrors.Errorf("transport: send before connect: %w", ErrPeerClosed)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wireFramer{}.writeFrame(conn, head, body)
}

func (t *TCPTransport) Recv(ctx context.Context) (map[string]any, []byte, error) {
	t.mu.Lock()
	conn, r := t.conn, t.r
	t.mu.Unlock()
	if conn == nil {
		return nil, nil, xerrors.Errorf("transport: recv before connect: %w", ErrPeerClosed)
	}
	head, body, err := wireFramer{}.readFrame(r)
	if err != nil {
		if errors.Is(err, ErrPeerClosed) || isClosedConnError(err) {
			return nil, nil, ErrPeerClosed
		}
		return nil, nil, err
	}
	return head, body, nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func isRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// TCPListener binds a TCP socket and hands each accepted connection to
// Accept's onAccept callback as a TCPTransport (spec.md §4.4).
type TCPListener struct {
	logger   *zap.Logger
	listener net.Listener
}

// NewTCPListener returns an unbound TCPListener.
func NewTCPListener(opts ...TCPListenerOption) *TCPListener {
	l := &TCPListener{logger: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TCPListenerOption configures a TCPListener.
type TCPListenerOption func(*TCPListener)

// WithTCPListenerLogger attaches a structured logger.
func WithTCPListenerLogger(logger *zap.Logger) TCPListenerOption {
	return func(l *TCPListener) { l.logger = logger }
}

func (l *TCPListener) Bind(ctx context.Context, host string, port int) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return xerrors.Errorf("transport: bind %s:%d: %w", host, port, err)
	}
	l.listener = ln
	return nil
}

// Addr returns the bound address, useful after binding to port 0 to
// discover the port the kernel actually assigned.
func (l *TCPListener) Addr() *net.TCPAddr {
	return l.listener.Addr().(*net.TCPAddr)
}

func (l *TCPListener) Accept(ctx context.Context, onAccept func(Transport)) error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			return xerrors.Errorf("transport: accept: %w", err)
		}
		onAccept(newAcceptedTransport(conn, l.logger))
	}
}

func (l *TCPListener) Close() error {
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}
