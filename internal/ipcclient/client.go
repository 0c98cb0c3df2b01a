// Package ipcclient implements the minimal client side of SPARK's wire
// protocol: dial the daemon's unix socket, perform the handshake, and send
// a HealthCheck — everything sparkctl needs and nothing an inference SDK
// would additionally want, since this is an operator tool, not a client
// library.
package ipcclient

import (
	"fmt"
	"net"
	"time"

	"github.com/veritas/spark/internal/wire"
)

// Client holds one authenticated connection to a SPARK daemon.
type Client struct {
	conn      net.Conn
	codec     *wire.FrameCodec
	sessionID string
}

// Dial connects to the daemon's unix socket at socketPath and performs the
// handshake using token as the shared secret.
func Dial(socketPath, token string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: dial %s: %w", socketPath, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	codec := wire.NewFrameCodec(conn, 0)
	if err := codec.WriteMessage(&wire.Message{
		Type:            wire.TypeHandshake,
		AuthToken:       token,
		ProtocolVersion: 1,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipcclient: send handshake: %w", err)
	}

	ack, err := codec.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipcclient: read handshake response: %w", err)
	}
	if ack.Type == wire.TypeError {
		conn.Close()
		kind := ""
		if ack.Err != nil {
			kind = ack.Err.Message
		}
		return nil, fmt.Errorf("ipcclient: handshake rejected: %s", kind)
	}
	if ack.Type != wire.TypeHandshakeAck {
		conn.Close()
		return nil, fmt.Errorf("ipcclient: unexpected handshake response type %s", ack.Type)
	}

	conn.SetDeadline(time.Time{})
	return &Client{conn: conn, codec: codec, sessionID: ack.SessionID}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health sends a HealthCheck frame and returns the daemon's report.
func (c *Client) Health(timeout time.Duration) (*wire.HealthReportPayload, error) {
	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.codec.WriteMessage(&wire.Message{Type: wire.TypeHealthCheck, Kind: "status"}); err != nil {
		return nil, fmt.Errorf("ipcclient: send health_check: %w", err)
	}
	resp, err := c.codec.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("ipcclient: read health_report: %w", err)
	}
	if resp.Type != wire.TypeHealthReport || resp.Report == nil {
		return nil, fmt.Errorf("ipcclient: unexpected response type %s", resp.Type)
	}
	return resp.Report, nil
}
