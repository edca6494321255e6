package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// KickReason is the reason code sent to a client before it is disconnected.
type KickReason string

const (
	// KickBanned is sent to clients whose address matches the ban policy.
	KickBanned KickReason = "BANNED"

	// KickShutdown is sent to clients when the server is stopping.
	KickShutdown KickReason = "SHUTDOWN"

	// KickRateLimited is sent when connections arrive faster than allowed.
	KickRateLimited KickReason = "RATELIMIT"

	// KickInsecure is sent to plain-text clients when TLS is mandatory.
	KickInsecure KickReason = "SECURITY"
)

// kickWriteTimeout bounds how long a kick notice may block on a slow peer.
const kickWriteTimeout = 2 * time.Second

// Client is a handle for an accepted connection.
type Client interface {
	// Conn returns the underlying connection.
	Conn() net.Conn

	// PeerAddr returns the remote IP address. IPv4-mapped IPv6 addresses are
	// unmapped so ban rules written for IPv4 match.
	PeerAddr() netip.Addr

	// Secure reports whether the connection is TLS protected.
	Secure() bool

	// Kick sends a disconnect notice with the given reason and closes the
	// connection. Calling Kick more than once is harmless.
	Kick(reason KickReason) error
}

// ClientFactory wraps an accepted connection as a Client.
type ClientFactory func(conn net.Conn) Client

// NewClient is the default ClientFactory.
func NewClient(conn net.Conn) Client {
	return &client{conn: conn, peer: peerAddr(conn.RemoteAddr())}
}

type client struct {
	conn     net.Conn
	peer     netip.Addr
	kickOnce sync.Once
}

func (c *client) Conn() net.Conn       { return c.conn }
func (c *client) PeerAddr() netip.Addr { return c.peer }

func (c *client) Secure() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

func (c *client) Kick(reason KickReason) error {
	var err error
	c.kickOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(kickWriteTimeout))
		if _, werr := fmt.Fprintf(c.conn, "DISCONNECT %s\n", reason); werr != nil {
			err = fmt.Errorf("failed to send kick notice: %w", werr)
		}
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (c *client) String() string {
	return c.peer.String()
}

// peerAddr extracts the IP of a remote address. Unknown address types yield
// the zero Addr, which never matches a ban rule.
func peerAddr(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	case nil:
		return netip.Addr{}
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.Addr{}
		}
		return ap.Addr().Unmap()
	}
}
