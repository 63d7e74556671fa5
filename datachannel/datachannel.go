// Package datachannel implements the Data Channel Client (spec.md §4,
// §6): a bidirectional byte channel to a single farmer, providing
// readable and writable shard streams keyed by (token, hash). Grounded
// on the teacher's use of github.com/xtaci/smux for multiplexed streams
// over one transport connection, wrapped in gitlab.com/NebulousLabs/
// monitor for bandwidth accounting and optionally throttled with
// gitlab.com/NebulousLabs/ratelimit.
package datachannel

import (
	"fmt"
	"net"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/monitor"
	"gitlab.com/NebulousLabs/ratelimit"
	"github.com/xtaci/smux"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// Dialer abstracts the transport dial so tests can substitute an
// in-memory pipe instead of opening real sockets.
type Dialer interface {
	Dial(contact shardmeta.Contact) (net.Conn, error)
}

// netDialer is the production Dialer, connecting over TCP.
type netDialer struct {
	timeout time.Duration
}

// NewNetDialer returns a Dialer that opens a real TCP connection to the
// farmer's advertised address/port.
func NewNetDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &netDialer{timeout: timeout}
}

func (d *netDialer) Dial(contact shardmeta.Contact) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", contact.Address, contact.Port)
	conn, err := net.DialTimeout("tcp", addr, d.timeout)
	if err != nil {
		return nil, errors.AddContext(err, "unable to dial farmer")
	}
	return conn, nil
}

// Client is an open data channel to one farmer: an smux session carrying
// one logical stream per shard transfer, with a Monitor tracking
// aggregate bandwidth for diagnostics.
type Client struct {
	contact shardmeta.Contact
	conn    net.Conn
	session *smux.Session
	mon     *monitor.Monitor
	limiter *ratelimit.RateLimit
}

// Dial opens a Client to contact's farmer. limiter may be nil to disable
// throttling.
func Dial(d Dialer, contact shardmeta.Contact, limiter *ratelimit.RateLimit) (*Client, error) {
	conn, err := d.Dial(contact)
	if err != nil {
		return nil, err
	}
	mon := monitor.New()
	monitored := mon.Monitor(conn)

	rw := monitored
	if limiter != nil {
		rw = limiter.RateLimitedConn(monitored)
	}

	session, err := smux.Client(rw, smux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, errors.AddContext(err, "unable to establish data channel session")
	}
	return &Client{
		contact: contact,
		conn:    conn,
		session: session,
		mon:     mon,
		limiter: limiter,
	}, nil
}

// streamKey frames the (token, hash) pair as smux has no native framing
// for that; the first bytes written/read on a freshly opened stream are
// the key, letting the farmer multiplex many concurrent shard transfers
// over the same session.
func streamKey(token, hash string) []byte {
	return []byte(token + ":" + hash + "\n")
}

// CreateWriteStream opens a new multiplexed stream for pushing shard
// bytes, parameterized by the pointer's token and hash (spec.md §4.7).
func (c *Client) CreateWriteStream(token, hash string) (*smux.Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, errors.AddContext(err, "unable to open write stream")
	}
	if _, err := s.Write(streamKey(token, hash)); err != nil {
		s.Close()
		return nil, errors.AddContext(err, "unable to write stream key")
	}
	return s, nil
}

// CreateReadStream opens a new multiplexed stream for pulling shard
// bytes, parameterized by the pointer's token and hash (spec.md §4.8.2).
func (c *Client) CreateReadStream(token, hash string) (*smux.Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, errors.AddContext(err, "unable to open read stream")
	}
	if _, err := s.Write(streamKey(token, hash)); err != nil {
		s.Close()
		return nil, errors.AddContext(err, "unable to write stream key")
	}
	return s, nil
}

// BandwidthStats returns the aggregate bytes read/written over this
// Client's lifetime, exposed for operator diagnostics (not part of
// correctness; an ambient enrichment over spec.md's minimum).
func (c *Client) BandwidthStats() (read, written uint64) {
	return c.mon.BytesRead(), c.mon.BytesWritten()
}

// Close tears down the multiplexed session and the underlying
// connection. Idempotent.
func (c *Client) Close() error {
	return errors.Compose(c.session.Close(), c.conn.Close())
}
