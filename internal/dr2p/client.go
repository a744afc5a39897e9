package dr2p

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/Monkeyhbd/dr2p-go/internal/dr2p/transport"
)

// Client is a Peer that actively connects, optionally with transparent
// reconnect (spec.md §2.5, §4.5).
type Client struct {
	*Peer
	transport transport.Transport
}

// NewClient wraps t in a Client. Call Connect before issuing requests or
// starting the receive loop.
func NewClient(t transport.Transport, opts ...PeerOption) *Client {
	return &Client{
		Peer:      NewPeer(t, opts...),
		transport: t,
	}
}

// Connect dials host:port. On a refused connection, reconnect=true
// delegates to the transport's internal retry loop; otherwise the failure
// surfaces to the caller (spec.md §4.5).
func (c *Client) Connect(ctx context.Context, host string, port int, reconnect bool) error {
	err := c.transport.Connect(ctx, host, port)
	if err != nil {
		if errors.Is(err, transport.ErrConnRefused) {
			if !reconnect {
				return err
			}
			c.Peer.logger.Info("connection refused, reconnecting", zap.String("host", host))
			if rerr := c.transport.Reconnect(ctx); rerr != nil {
				return xerrors.Errorf("dr2p: reconnect to %s:%d: %w", host, port, rerr)
			}
		} else {
			return xerrors.Errorf("dr2p: connect to %s:%d: %w", host, port, err)
		}
	}
	c.Peer.setRemoteHost(host)
	return nil
}
