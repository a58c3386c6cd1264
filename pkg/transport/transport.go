// Package transport defines the capability interfaces the cache-profiling
// core consumes. Concrete transports (package local, package netconn) never
// leak into the RPP/pattern/tracker packages beyond these contracts.
package transport

import "context"

// Address is a non-negative byte offset into the attacker's mapped view of
// the victim-exposed buffer. Only offsets matter; the remote physical
// address is never known to the core.
type Address uint64

// MemoryConnector is the narrowest transport contract: single-word timed
// remote reads and writes. CacheConnector is a separate contract; the
// concrete connectors implement both.
type MemoryConnector interface {
	// Allocate ensures a buffer of the given size exists on the remote side.
	Allocate(ctx context.Context, size int) error
	// Read returns the byte at ofs.
	Read(ctx context.Context, ofs Address) (byte, error)
	// Write stores val at ofs.
	Write(ctx context.Context, ofs Address, val byte) error
	// ReadTimed returns the byte at ofs and the nanoseconds the read took.
	ReadTimed(ctx context.Context, ofs Address) (byte, int64, error)
	// WriteTimed stores val at ofs and returns the nanoseconds the write took.
	WriteTimed(ctx context.Context, ofs Address, val byte) (int64, error)
}

// CacheConnector is the oracle the RPP engine consumes: the ability to
// force an address into the LLC, to do so for a whole batch in order, and
// to time a single access.
type CacheConnector interface {
	// Reserve ensures the underlying remote buffer exists, sized for size
	// bytes. Idempotent.
	Reserve(ctx context.Context, size int) error
	// Cache forces addr into the LLC (a write under DDIO, a read locally).
	Cache(ctx context.Context, addr Address) error
	// CacheAll is the order-preserving batched form of Cache.
	CacheAll(ctx context.Context, addrs []Address) error
	// TimeAccess returns the nanoseconds a single timed read of addr took.
	TimeAccess(ctx context.Context, addr Address) (int64, error)
}

// PacketSender fires a single zero-byte datagram at a fixed, pre-resolved
// endpoint, purely to perturb the victim's RX ring. It never reports
// anything about delivery.
type PacketSender interface {
	SendPacket(ctx context.Context) error
}

// Recorder is an append-only sink for measurement records.
type Recorder[T any] interface {
	Record(v T) error
}

// Closer is implemented by recorders and connectors that hold resources
// that must be released (files, sockets) once the run ends.
type Closer interface {
	Close() error
}
