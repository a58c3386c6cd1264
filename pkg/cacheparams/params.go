// Package cacheparams describes the victim LLC geometry the RPP engine
// profiles against, and derives the invariants that geometry implies.
package cacheparams

import "fmt"

// PageSize is the MMU page size assumed throughout the engine. Bits [6,12)
// of an offset select one of PageSize/BytesPerLine cache sets within a page.
const PageSize = 4096

// DefaultAddrNum matches the working-set size used throughout the NetCAT
// paper's evaluation.
const DefaultAddrNum = 5000

// Params describes the victim's last-level cache as seen through the
// transport. It is immutable after construction: the RPP engine builds its
// ColoredSets table once from a Params value and never mutates it.
type Params struct {
	// BytesPerLine is the cache line size in bytes (B).
	BytesPerLine int
	// Associativity is the number of ways per set (W) as seen locally.
	Associativity int
	// ReachableLines is the number of ways actually reachable through the
	// transport. Equal to Associativity for local reads; on DDIO-enabled
	// NICs only a small subset (e.g. 2) of ways receive inbound DMA writes.
	ReachableLines int
	// CacheSize is the total LLC size in bytes (S).
	CacheSize int
	// AddrNum is the size, in pages, of the working address pool.
	AddrNum int
}

// Derived holds the invariants derived from a Params value.
type Derived struct {
	// NSets is the total number of LLC sets.
	NSets int
	// NSetsPerPage is the number of sets one page spans.
	NSetsPerPage int
	// NColors is the number of distinct page colors.
	NColors int
	// VBuf is the size, in bytes, of the working virtual buffer.
	VBuf int
}

// Derive computes the invariants implied by p. It panics if p is not valid;
// callers should call Validate first if the values are untrusted.
func (p Params) Derive() Derived {
	if err := p.Validate(); err != nil {
		panic(err)
	}

	nSets := p.CacheSize / (p.Associativity * p.BytesPerLine)
	nSetsPerPage := PageSize / p.BytesPerLine
	nColors := nSets / nSetsPerPage

	return Derived{
		NSets:        nSets,
		NSetsPerPage: nSetsPerPage,
		NColors:      nColors,
		VBuf:         p.AddrNum * PageSize,
	}
}

// Validate checks that the parameters describe a coherent cache geometry.
func (p Params) Validate() error {
	if p.BytesPerLine <= 0 {
		return fmt.Errorf("cacheparams: bytes_per_line must be positive, got %d", p.BytesPerLine)
	}
	if p.Associativity <= 0 {
		return fmt.Errorf("cacheparams: associativity must be positive, got %d", p.Associativity)
	}
	if p.ReachableLines <= 0 || p.ReachableLines > p.Associativity {
		return fmt.Errorf("cacheparams: reachable_lines must be in (0, associativity=%d], got %d", p.Associativity, p.ReachableLines)
	}
	if p.CacheSize <= 0 {
		return fmt.Errorf("cacheparams: cache_size must be positive, got %d", p.CacheSize)
	}
	if p.AddrNum <= 0 {
		return fmt.Errorf("cacheparams: addr_num must be positive, got %d", p.AddrNum)
	}
	if p.CacheSize%(p.Associativity*p.BytesPerLine) != 0 {
		return fmt.Errorf("cacheparams: cache_size=%d is not a multiple of associativity*bytes_per_line=%d", p.CacheSize, p.Associativity*p.BytesPerLine)
	}
	if PageSize%p.BytesPerLine != 0 {
		return fmt.Errorf("cacheparams: page size %d is not a multiple of bytes_per_line=%d", PageSize, p.BytesPerLine)
	}
	return nil
}

// Profile is a predefined victim cache geometry, named after the CPU
// generation it was measured on.
type Profile string

const (
	ProfileE5            Profile = "E5"
	ProfileE5DDIO        Profile = "E5_DDIO"
	ProfileI7            Profile = "I7"
	ProfilePlatinum      Profile = "PLATINUM"
	ProfilePlatinumDDIO  Profile = "PLATINUM_DDIO"
)

// knownProfiles maps each predefined Profile to its Params. All of them
// share the paper's working-set size of 5000 pages.
var knownProfiles = map[Profile]Params{
	ProfileE5: {
		BytesPerLine:   64,
		Associativity:  20,
		ReachableLines: 20,
		CacheSize:      20 * 1024 * 1024,
		AddrNum:        DefaultAddrNum,
	},
	ProfileE5DDIO: {
		BytesPerLine:   64,
		Associativity:  20,
		ReachableLines: 2,
		CacheSize:      20 * 1024 * 1024,
		AddrNum:        DefaultAddrNum,
	},
	ProfileI7: {
		BytesPerLine:   64,
		Associativity:  12,
		ReachableLines: 12,
		CacheSize:      6 * 1024 * 1024,
		AddrNum:        DefaultAddrNum,
	},
	ProfilePlatinum: {
		BytesPerLine:   64,
		Associativity:  11,
		ReachableLines: 11,
		CacheSize:      33 * 1024 * 1024,
		AddrNum:        DefaultAddrNum,
	},
	ProfilePlatinumDDIO: {
		BytesPerLine:   64,
		Associativity:  11,
		ReachableLines: 2,
		CacheSize:      33 * 1024 * 1024,
		AddrNum:        DefaultAddrNum,
	},
}

// Lookup resolves a predefined Profile name to its Params.
func Lookup(name Profile) (Params, error) {
	p, ok := knownProfiles[name]
	if !ok {
		return Params{}, fmt.Errorf("cacheparams: unknown profile %q", name)
	}
	return p, nil
}

// Names returns the predefined profile names, for CLI help text.
func Names() []string {
	return []string{
		string(ProfileE5),
		string(ProfileE5DDIO),
		string(ProfileI7),
		string(ProfilePlatinum),
		string(ProfilePlatinumDDIO),
	}
}
