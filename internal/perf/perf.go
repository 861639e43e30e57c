// Package perf provides host performance counters that back the guest's
// virtual hardware counters.
package perf

import (
	"errors"
	"fmt"
)

var (
	// ErrWidthUnavailable is returned by Host.CounterWidth when the host
	// cannot report the width of its programmable counters.
	ErrWidthUnavailable = errors.New("perf: counter width unavailable")
	// ErrNoCounter is returned by Host.Create when every physical counter is
	// already in use.
	ErrNoCounter = errors.New("perf: no physical counter available")
	// ErrReleased is returned by operations on a counter after Release.
	ErrReleased = errors.New("perf: counter released")
	// ErrUnsupported is returned when the host backend is not available on
	// this platform.
	ErrUnsupported = errors.New("perf: host counters unsupported on this platform")
)

// Type is the host event type. Values match the Linux perf_event ABI.
type Type uint32

const (
	TypeHardware Type = 0
	TypeSoftware Type = 1
	TypeHWCache  Type = 3
	TypeRaw      Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeHardware:
		return "hardware"
	case TypeSoftware:
		return "software"
	case TypeHWCache:
		return "hw-cache"
	case TypeRaw:
		return "raw"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// Generic hardware event configs (PERF_COUNT_HW_*).
const (
	HWCPUCycles             = 0
	HWInstructions          = 1
	HWCacheReferences       = 2
	HWCacheMisses           = 3
	HWBranchInstructions    = 4
	HWBranchMisses          = 5
	HWBusCycles             = 6
	HWStalledCyclesFrontend = 7
	HWStalledCyclesBackend  = 8
	HWRefCPUCycles          = 9
	HWMax                   = 10
)

// Limits of the generic cache event encoding
// (type | op<<8 | result<<16).
const (
	HWCacheMax       = 7
	HWCacheOpMax     = 3
	HWCacheResultMax = 2
)

// Attr configures a host counter.
type Attr struct {
	Type    Type
	Config  uint64
	Config1 uint64

	// SamplePeriod is the initial overflow period. It must be non-zero.
	SamplePeriod uint64

	Pinned        bool
	ExcludeUser   bool
	ExcludeKernel bool
	ExcludeHost   bool
	ExcludeHV     bool
}

func (a Attr) String() string {
	return fmt.Sprintf("%s:0x%x", a.Type, a.Config)
}

// Counter is an exclusively owned host counter. Counters are created
// disabled.
type Counter interface {
	Enable() error
	Disable() error
	SetPeriod(period uint64) error

	// Read returns the number of events counted since the previous Read (or
	// since creation for the first call).
	Read() (uint64, error)

	// Release disables the counter and returns it to the host. It is safe
	// to call more than once.
	Release() error
}

// Host discovers counter capabilities and creates counters.
type Host interface {
	// NumCounters is the number of hardware counters the host exposes,
	// including the fixed cycle, time and instret slots.
	NumCounters() int
	// CounterWidth is the width in bits of the programmable counters, or
	// ErrWidthUnavailable.
	CounterWidth() (int, error)

	Create(attr Attr) (Counter, error)
}
