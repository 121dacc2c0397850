package dynalb

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// Dialer establishes the raw transport connections used by the pool and the
// prober. Tests substitute an instrumented implementation that counts dial
// and close calls.
type Dialer interface {
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

// NetDialer is the default Dialer backed by net.Dialer.
type NetDialer struct{}

// DialTimeout dials a TCP connection with the given timeout.
func (NetDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.Dial(network, address)
}

// ConnectionHost is an internal representation of one persistent connection
// bound to a single node address. It is owned by exactly one caller at a
// time: the pool while idle, a request while in use, or the prober.
type ConnectionHost struct {
	Address      string
	ConnectionID uint64

	conn      net.Conn
	reader    *bufio.Reader
	dialer    Dialer
	timeout   time.Duration
	tlsConfig *tls.Config
	closed    bool
	connLock  *sync.Mutex
}

// NewConnectionHost creates a ConnectionHost and establishes its connection.
func NewConnectionHost(
	dialer Dialer,
	address string,
	connectionID uint64,
	timeout time.Duration,
	tlsConfig *tls.Config) (*ConnectionHost, error) {

	ch := &ConnectionHost{
		Address:      address,
		ConnectionID: connectionID,
		dialer:       dialer,
		timeout:      timeout,
		tlsConfig:    tlsConfig,
		connLock:     &sync.Mutex{},
	}

	if err := ch.Connect(); err != nil {
		return nil, err
	}

	return ch, nil
}

// Connect dials the host one time, performing the TLS handshake when
// configured. Calling Connect on a live connection is a no-op.
func (ch *ConnectionHost) Connect() error {

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.conn != nil && !ch.closed {
		return nil
	}

	conn, err := ch.dialer.DialTimeout("tcp", ch.Address, ch.timeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachableNode, ch.Address, err)
	}

	if ch.tlsConfig != nil {
		tlsCfg := ch.tlsConfig.Clone()
		if tlsCfg.ServerName == "" {
			if host, _, splitErr := net.SplitHostPort(ch.Address); splitErr == nil {
				tlsCfg.ServerName = host
			}
		}

		tlsConn := tls.Client(conn, tlsCfg)
		_ = tlsConn.SetDeadline(time.Now().Add(ch.timeout))
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %s: tls handshake: %v", ErrUnreachableNode, ch.Address, err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	ch.conn = conn
	ch.reader = bufio.NewReader(conn)
	ch.closed = false

	return nil
}

// Close closes the underlying connection. Safe to call repeatedly.
func (ch *ConnectionHost) Close() {

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.closed || ch.conn == nil {
		return
	}

	ch.closed = true
	_ = ch.conn.Close()
}

// IsClosed reports whether the connection has been closed.
func (ch *ConnectionHost) IsClosed() bool {
	ch.connLock.Lock()
	defer ch.connLock.Unlock()
	return ch.closed || ch.conn == nil
}

// setDeadline bounds the in-flight read/write on the underlying connection.
// A zero time clears the deadline.
func (ch *ConnectionHost) setDeadline(t time.Time) {
	if ch.conn != nil {
		_ = ch.conn.SetDeadline(t)
	}
}
