package gateway

import (
	"context"
	"io"
	"net"

	"github.com/Nebaura-Labs/mote-sub000/internal/tunnel"
	"go.uber.org/zap"
)

// TunnelDialer dials a fresh SSH tunnel per connect attempt and opens one
// forwarded sub-channel to the Gateway bridge port. Closing the returned
// stream tears the whole tunnel down, so one client owns exactly one
// tunnel at a time.
type TunnelDialer struct {
	Config tunnel.Config
	Log    *zap.Logger
}

func (d *TunnelDialer) DialBridge(ctx context.Context) (io.ReadWriteCloser, error) {
	tun, err := tunnel.Dial(ctx, d.Config, d.Log)
	if err != nil {
		return nil, err
	}
	conn, err := tun.Open(ctx)
	if err != nil {
		tun.Close()
		return nil, err
	}
	return &tunneledConn{Conn: conn, tun: tun}, nil
}

type tunneledConn struct {
	net.Conn
	tun *tunnel.Tunnel
}

func (c *tunneledConn) Close() error {
	err := c.Conn.Close()
	_ = c.tun.Close()
	return err
}
