// Package local provides an in-process simulated remote buffer that
// satisfies the transport.CacheConnector / transport.MemoryConnector /
// transport.PacketSender contracts without any network I/O. It is the
// mandatory deterministic backend the core's unit tests run against.
//
// The simulator hides a page-frame permutation the engine never sees,
// exactly the way a real machine's virtual-to-physical mapping hides which
// LLC sets two congruent-looking virtual offsets actually land in. Only the
// page-offset bits [6,12) — which survive virtual-to-physical translation
// unchanged on any machine — are derivable directly from the address; the
// rest of the set index comes from the hidden per-page color.
package local

import (
	"context"
	"fmt"
	"hash/maphash"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/transport"
	"golang.org/x/sys/unix"
)

// Latencies configures the simulated hit/miss access times. Jitter is
// applied symmetrically around each base value; zero jitter makes the
// simulator's latencies deterministic, which is what the package's own
// tests and the rpp/tracker test suites rely on.
type Latencies struct {
	HitNanos    int64
	MissNanos   int64
	JitterNanos int64
}

// DefaultLatencies separates hits and misses by a wide, noise-free margin.
var DefaultLatencies = Latencies{HitNanos: 50, MissNanos: 400}

// Connector is a simulated CacheConnector/MemoryConnector/PacketSender.
// Safe for sequential use only, matching the core's single-thread model;
// the mutex exists solely to let an ambient /metrics scrape read counters
// concurrently with the measurement loop.
type Connector struct {
	params  cacheparams.Params
	derived cacheparams.Derived
	lat     Latencies
	rng     *rand.Rand

	mu      sync.Mutex
	buf     []byte
	mapped  bool
	seed    maphash.Seed
	sets    map[uint64]*lruSet
	packets atomic.Int64
}

// New creates a simulator for the given cache geometry. The RNG seed
// determines the hidden page-frame permutation; pass a fixed seed for
// reproducible tests.
func New(params cacheparams.Params, lat Latencies, seed int64) (*Connector, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	return &Connector{
		params:  params,
		derived: params.Derive(),
		lat:     lat,
		rng:     rand.New(rand.NewSource(seed)),
		seed:    maphash.MakeSeed(),
		sets:    make(map[uint64]*lruSet),
	}, nil
}

// Reserve ensures the backing buffer exists, page-aligned via mmap so that
// unsafe pointer reads below can't straddle an alignment boundary.
func (c *Connector) Reserve(_ context.Context, size int) error {
	return c.Allocate(context.Background(), size)
}

// Allocate implements transport.MemoryConnector.
func (c *Connector) Allocate(_ context.Context, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mapped && len(c.buf) >= size {
		return nil
	}
	if c.mapped {
		if err := unix.Munmap(c.buf); err != nil {
			return fmt.Errorf("local: munmap: %w", err)
		}
	}

	pages := (size + cacheparams.PageSize - 1) / cacheparams.PageSize
	alloc := pages * cacheparams.PageSize
	buf, err := unix.Mmap(-1, 0, alloc, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("local: mmap %d bytes: %w", alloc, err)
	}
	c.buf = buf
	c.mapped = true
	return nil
}

// Close releases the mmap'd buffer.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mapped {
		return nil
	}
	err := unix.Munmap(c.buf)
	c.mapped = false
	c.buf = nil
	return err
}

// Read implements transport.MemoryConnector.
func (c *Connector) Read(_ context.Context, ofs transport.Address) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(ofs) >= len(c.buf) {
		return 0, fmt.Errorf("local: offset %d out of range (buffer is %d bytes)", ofs, len(c.buf))
	}
	v := loadByte(c.buf, int(ofs))
	return v, nil
}

// Write implements transport.MemoryConnector.
func (c *Connector) Write(_ context.Context, ofs transport.Address, val byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(ofs) >= len(c.buf) {
		return fmt.Errorf("local: offset %d out of range (buffer is %d bytes)", ofs, len(c.buf))
	}
	c.buf[ofs] = val
	return nil
}

// ReadTimed implements transport.MemoryConnector: a read also pulls the
// line into cache, exactly as on real hardware.
func (c *Connector) ReadTimed(ctx context.Context, ofs transport.Address) (byte, int64, error) {
	v, err := c.Read(ctx, ofs)
	if err != nil {
		return 0, 0, err
	}
	nanos := c.touch(ofs)
	return v, nanos, nil
}

// WriteTimed implements transport.MemoryConnector.
func (c *Connector) WriteTimed(ctx context.Context, ofs transport.Address, val byte) (int64, error) {
	if err := c.Write(ctx, ofs, val); err != nil {
		return 0, err
	}
	return c.touch(ofs), nil
}

// Cache implements transport.CacheConnector: force addr into the LLC. On
// real DDIO-reachable hardware this is an inbound write; locally a read
// works just as well since both pull the line in.
func (c *Connector) Cache(_ context.Context, addr transport.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(addr)
	return nil
}

// CacheAll implements transport.CacheConnector, touching addrs in order.
func (c *Connector) CacheAll(ctx context.Context, addrs []transport.Address) error {
	for _, a := range addrs {
		if err := c.Cache(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// TimeAccess implements transport.CacheConnector.
func (c *Connector) TimeAccess(_ context.Context, addr transport.Address) (int64, error) {
	return c.touch(addr), nil
}

// SendPacket implements transport.PacketSender by incrementing a counter;
// the simulator has no victim RX ring to perturb, so this is purely a stand
// in for the cadence the tracking state machine drives.
func (c *Connector) SendPacket(_ context.Context) error {
	c.packets.Add(1)
	return nil
}

// PacketsSent returns the number of simulated packets sent so far, for
// assertions in tracker tests.
func (c *Connector) PacketsSent() int64 {
	return c.packets.Load()
}

// touch records a simulated access to addr, returning its latency, and
// updates the LRU state for addr's set the way a real access would.
func (c *Connector) touch(addr transport.Address) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	hit := c.contains(addr)
	c.insert(addr)

	base := c.lat.MissNanos
	if hit {
		base = c.lat.HitNanos
	}
	if c.lat.JitterNanos > 0 {
		base += c.rng.Int63n(2*c.lat.JitterNanos+1) - c.lat.JitterNanos
		if base < 0 {
			base = 0
		}
	}
	runtime.KeepAlive(addr)
	return base
}

// loadByte reads buf[i] through an atomic word load on the containing
// uint32, the way a lock-free remote-buffer reader would, rather than a
// plain slice index that the compiler could otherwise reorder around the
// surrounding latency measurement.
func loadByte(buf []byte, i int) byte {
	base := i &^ 3
	shift := uint(i&3) * 8
	if base+4 > len(buf) {
		return buf[i]
	}
	word := (*uint32)(unsafe.Pointer(&buf[base]))
	v := atomic.LoadUint32(word)
	return byte(v >> shift)
}

// color derives the hidden page color for addr: the bits of the set index
// that depend on the (unknown-to-the-engine) virtual-to-physical frame
// mapping, rather than on the page offset alone.
func (c *Connector) color(addr transport.Address) int {
	page := uint64(addr) / cacheparams.PageSize
	var h maphash.Hash
	h.SetSeed(c.seed)
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(page >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum64() % uint64(c.derived.NColors))
}

// coloredIndex derives the page-local set index from addr's page-offset
// bits. Unlike color, this is directly computable from the virtual address:
// page-offset bits survive virtual-to-physical translation unchanged.
func (c *Connector) coloredIndex(addr transport.Address) int {
	withinPage := int(addr) % cacheparams.PageSize
	return (withinPage / c.params.BytesPerLine) % c.derived.NSetsPerPage
}

// setID returns the simulated hardware set addr maps to.
func (c *Connector) setID(addr transport.Address) uint64 {
	return uint64(c.color(addr))*uint64(c.derived.NSetsPerPage) + uint64(c.coloredIndex(addr))
}

// contains reports whether addr is currently resident in its set's
// simulated LRU window. Caller must hold c.mu.
func (c *Connector) contains(addr transport.Address) bool {
	s, ok := c.sets[c.setID(addr)]
	if !ok {
		return false
	}
	return s.contains(addr)
}

// insert simulates addr being pulled into cache, evicting the
// least-recently-used member of its set once ReachableLines is exceeded.
// Caller must hold c.mu.
func (c *Connector) insert(addr transport.Address) {
	id := c.setID(addr)
	s, ok := c.sets[id]
	if !ok {
		s = newLRUSet(c.params.ReachableLines)
		c.sets[id] = s
	}
	s.touch(addr)
}

// lruSet is a fixed-capacity least-recently-used address window simulating
// the subset of a hardware cache set reachable through the transport.
type lruSet struct {
	capacity int
	order    []transport.Address // order[0] is most recently used
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{capacity: capacity, order: make([]transport.Address, 0, capacity)}
}

func (s *lruSet) contains(addr transport.Address) bool {
	for _, a := range s.order {
		if a == addr {
			return true
		}
	}
	return false
}

func (s *lruSet) touch(addr transport.Address) {
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append([]transport.Address{addr}, s.order...)
	if len(s.order) > s.capacity {
		s.order = s.order[:s.capacity]
	}
}
