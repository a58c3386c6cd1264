// Package netconn implements the transport.MemoryConnector,
// transport.CacheConnector and transport.PacketSender contracts over a
// plain TCP connection plus a UDP datagram socket. It stands in for the
// real RDMA one-sided read/write verbs the attack normally relies on: the
// wire handshake and framing live here, but there is no InfiniBand queue
// pair underneath, only a byte-addressed request/response protocol that
// exercises the exact same timing-sensitive call shape.
package netconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nevenoomo/netcat/pkg/transport"
)

// opcode identifies a wire request.
type opcode byte

const (
	opAllocate opcode = iota + 1
	opRead
	opWrite
	opReadTimed
	opWriteTimed
	opCache
	opCacheAll
	opTimeAccess
)

// Connector talks to a remote bufferd over TCP. Every request is a fixed
// 9-byte header (opcode + uint64 offset/size, big-endian) optionally
// followed by a one-byte payload; every response is a result byte plus an
// opcode-dependent payload. The connection is established lazily on first
// use and protected by onceDial so repeated calls from the engine never
// race a second handshake.
type Connector struct {
	addr string

	onceDial sync.Once
	dialErr  error

	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter
}

// New creates a Connector for the remote endpoint at addr (host:port). No
// network I/O happens until the first operation.
func New(addr string) *Connector {
	return &Connector{addr: addr}
}

func (c *Connector) dial(ctx context.Context) error {
	c.onceDial.Do(func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.dialErr = fmt.Errorf("netconn: dialing %s: %w", c.addr, err)
			return
		}
		c.conn = conn
		c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	})
	return c.dialErr
}

func (c *Connector) roundTrip(ctx context.Context, op opcode, ofs uint64, payload []byte) ([]byte, int64, error) {
	if err := c.dial(ctx); err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	}

	start := time.Now()

	header := make([]byte, 9)
	header[0] = byte(op)
	binary.BigEndian.PutUint64(header[1:], ofs)
	if _, err := c.rw.Write(header); err != nil {
		return nil, 0, fmt.Errorf("netconn: writing request header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return nil, 0, fmt.Errorf("netconn: writing request payload: %w", err)
		}
	}
	if err := c.rw.Flush(); err != nil {
		return nil, 0, fmt.Errorf("netconn: flushing request: %w", err)
	}

	status, err := c.rw.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("netconn: reading response status: %w", err)
	}
	elapsed := time.Since(start).Nanoseconds()
	if status != 0 {
		return nil, elapsed, fmt.Errorf("netconn: remote returned error status %d", status)
	}

	respLen := responseLen(op)
	if respLen == 0 {
		return nil, elapsed, nil
	}
	resp := make([]byte, respLen)
	if _, err := ioReadFull(c.rw, resp); err != nil {
		return nil, elapsed, fmt.Errorf("netconn: reading response body: %w", err)
	}
	return resp, elapsed, nil
}

func responseLen(op opcode) int {
	switch op {
	case opRead, opReadTimed:
		return 1
	case opTimeAccess:
		return 0
	default:
		return 0
	}
}

func ioReadFull(r *bufio.ReadWriter, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Allocate implements transport.MemoryConnector.
func (c *Connector) Allocate(ctx context.Context, size int) error {
	_, _, err := c.roundTrip(ctx, opAllocate, uint64(size), nil)
	return err
}

// Read implements transport.MemoryConnector.
func (c *Connector) Read(ctx context.Context, ofs transport.Address) (byte, error) {
	resp, _, err := c.roundTrip(ctx, opRead, uint64(ofs), nil)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// Write implements transport.MemoryConnector.
func (c *Connector) Write(ctx context.Context, ofs transport.Address, val byte) error {
	_, _, err := c.roundTrip(ctx, opWrite, uint64(ofs), []byte{val})
	return err
}

// ReadTimed implements transport.MemoryConnector.
func (c *Connector) ReadTimed(ctx context.Context, ofs transport.Address) (byte, int64, error) {
	resp, nanos, err := c.roundTrip(ctx, opReadTimed, uint64(ofs), nil)
	if err != nil {
		return 0, 0, err
	}
	return resp[0], nanos, nil
}

// WriteTimed implements transport.MemoryConnector.
func (c *Connector) WriteTimed(ctx context.Context, ofs transport.Address, val byte) (int64, error) {
	_, nanos, err := c.roundTrip(ctx, opWriteTimed, uint64(ofs), []byte{val})
	return nanos, err
}

// Reserve implements transport.CacheConnector.
func (c *Connector) Reserve(ctx context.Context, size int) error {
	return c.Allocate(ctx, size)
}

// Cache implements transport.CacheConnector.
func (c *Connector) Cache(ctx context.Context, addr transport.Address) error {
	_, _, err := c.roundTrip(ctx, opCache, uint64(addr), nil)
	return err
}

// CacheAll implements transport.CacheConnector. Each address is sent as its
// own request, in order: the victim's sync cadence depends on the order
// inbound writes arrive, so this must never be reordered or batched into a
// single datagram.
func (c *Connector) CacheAll(ctx context.Context, addrs []transport.Address) error {
	for _, a := range addrs {
		if err := c.Cache(ctx, a); err != nil {
			return fmt.Errorf("netconn: caching address %d: %w", a, err)
		}
	}
	return nil
}

// TimeAccess implements transport.CacheConnector.
func (c *Connector) TimeAccess(ctx context.Context, addr transport.Address) (int64, error) {
	_, nanos, err := c.roundTrip(ctx, opTimeAccess, uint64(addr), nil)
	return nanos, err
}

// Close tears down the TCP connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// PacketSender sends a single zero-byte UDP datagram per SendPacket call to
// perturb the victim's RX ring, exactly the role a raw Ethernet injection
// would play against real RDMA hardware.
type PacketSender struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// NewPacketSender creates a sender targeting addr (host:port).
func NewPacketSender(addr string) *PacketSender {
	return &PacketSender{addr: addr}
}

// SendPacket implements transport.PacketSender.
func (s *PacketSender) SendPacket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", s.addr)
		if err != nil {
			return fmt.Errorf("netconn: dialing packet sender %s: %w", s.addr, err)
		}
		s.conn = conn
	}
	if _, err := s.conn.Write([]byte{0}); err != nil {
		return fmt.Errorf("netconn: sending sync packet: %w", err)
	}
	return nil
}

// Close tears down the UDP socket.
func (s *PacketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
