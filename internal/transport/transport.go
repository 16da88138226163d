// Package transport provides the UDP datagram endpoint anonchat's
// discovery and chat layers are built on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
)

// MaxDatagramBytes bounds a single recv; frames larger than this are
// truncated by the kernel before this package ever sees them.
const MaxDatagramBytes = 4096

// ErrClosed is returned by Send and Recv once Close has been called.
var ErrClosed = errors.New("transport: closed")

// Transport is an unreliable UDP datagram endpoint bound to one local
// IPv4 address. It sends and receives UTF-8 text datagrams.
type Transport struct {
	conn *net.UDPConn

	mu     sync.Mutex
	closed bool
}

// Config selects the local bind address and whether the socket should
// be allowed to send to broadcast destinations.
type Config struct {
	BindIP    string
	Port      int
	Broadcast bool
}

// New binds a UDP socket to cfg.BindIP:cfg.Port. SO_REUSEADDR is always
// set so the process can restart quickly after a crash; SO_BROADCAST is
// set only when cfg.Broadcast is true.
func New(cfg Config) (*Transport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindIP), Port: cfg.Port}
	if addr.IP == nil {
		return nil, fmt.Errorf("transport: invalid bind ip %q", cfg.BindIP)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if cfg.Broadcast {
					sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	return &Transport{conn: pc.(*net.UDPConn)}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send fires a single UTF-8 datagram at targetIP:targetPort. Best
// effort: a failure means the OS rejected the datagram or the socket
// is closed, not that anything retries.
func (t *Transport) Send(message string, targetIP string, targetPort int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	dst := &net.UDPAddr{IP: net.ParseIP(targetIP), Port: targetPort}
	if dst.IP == nil {
		return fmt.Errorf("transport: invalid target ip %q", targetIP)
	}
	_, err := t.conn.WriteToUDP([]byte(message), dst)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return fmt.Errorf("transport: send to %s: %w", dst, err)
	}
	return nil
}

// Recv blocks until a datagram arrives or the socket is closed. It
// returns the message decoded as UTF-8, with each invalid byte sequence
// replaced by U+FFFD, and the sender's address.
func (t *Transport) Recv() (message string, sourceIP string, sourcePort int, err error) {
	buf := make([]byte, MaxDatagramBytes)
	n, addr, readErr := t.conn.ReadFromUDP(buf)
	if readErr != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return "", "", 0, ErrClosed
		}
		return "", "", 0, fmt.Errorf("transport: recv: %w", readErr)
	}
	return strings.ToValidUTF8(string(buf[:n]), "�"), addr.IP.String(), addr.Port, nil
}

// Close is idempotent. It unblocks any in-flight Recv with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
