package pmu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/vpmu/internal/perf"
)

// EventID is an SBI PMU event index: type in bits [19:16], code in bits
// [15:0].
type EventID uint64

// EventInvalid marks a counter with no bound event.
const EventInvalid EventID = 0xffffffff

const (
	eventTypeMask  = 0xf0000
	eventTypeShift = 16
	eventCodeMask  = 0xffff
)

type EventType uint8

const (
	EventTypeHardware EventType = 0x0
	EventTypeCache    EventType = 0x1
	EventTypeRaw      EventType = 0x2
	EventTypeFirmware EventType = 0xf
)

func (t EventType) valid() bool {
	switch t {
	case EventTypeHardware, EventTypeCache, EventTypeRaw, EventTypeFirmware:
		return true
	}
	return false
}

func (t EventType) String() string {
	switch t {
	case EventTypeHardware:
		return "hw"
	case EventTypeCache:
		return "cache"
	case EventTypeRaw:
		return "raw"
	case EventTypeFirmware:
		return "fw"
	default:
		return fmt.Sprintf("type%d", uint8(t))
	}
}

// MakeEvent builds an event index from its type and code.
func MakeEvent(typ EventType, code uint32) EventID {
	return EventID(uint64(typ)<<eventTypeShift | uint64(code&eventCodeMask))
}

func (e EventID) Type() EventType { return EventType((e & eventTypeMask) >> eventTypeShift) }
func (e EventID) Code() uint32    { return uint32(e & eventCodeMask) }

// SBI hardware event codes.
const (
	HWNoEvent uint32 = iota
	HWCPUCycles
	HWInstructions
	HWCacheReferences
	HWCacheMisses
	HWBranchInstructions
	HWBranchMisses
	HWBusCycles
	HWStalledCyclesFrontend
	HWStalledCyclesBackend
	HWRefCPUCycles
	hwEventMax
)

var hwEventNames = [hwEventMax]string{
	"no_event",
	"cpu_cycles",
	"instructions",
	"cache_references",
	"cache_misses",
	"branch_instructions",
	"branch_misses",
	"bus_cycles",
	"stalled_cycles_frontend",
	"stalled_cycles_backend",
	"ref_cpu_cycles",
}

// SBI firmware event codes. Firmware counters count guest SBI calls and
// traps of these kinds.
const (
	FWMisalignedLoad uint32 = iota
	FWMisalignedStore
	FWAccessLoad
	FWAccessStore
	FWIllegalInsn
	FWSetTimer
	FWIPISent
	FWIPIReceived
	FWFenceISent
	FWFenceIReceived
	FWSfenceVMASent
	FWSfenceVMAReceived
	FWSfenceVMAASIDSent
	FWSfenceVMAASIDReceived
	FWHfenceGVMASent
	FWHfenceGVMAReceived
	FWHfenceGVMAVMIDSent
	FWHfenceGVMAVMIDReceived
	FWHfenceVVMASent
	FWHfenceVVMAReceived
	FWHfenceVVMAASIDSent
	FWHfenceVVMAASIDReceived

	// FirmwareEventMax is the size of the firmware event table.
	FirmwareEventMax
)

var fwEventNames = [FirmwareEventMax]string{
	"misaligned_load",
	"misaligned_store",
	"access_load",
	"access_store",
	"illegal_insn",
	"set_timer",
	"ipi_sent",
	"ipi_received",
	"fence_i_sent",
	"fence_i_received",
	"sfence_vma_sent",
	"sfence_vma_received",
	"sfence_vma_asid_sent",
	"sfence_vma_asid_received",
	"hfence_gvma_sent",
	"hfence_gvma_received",
	"hfence_gvma_vmid_sent",
	"hfence_gvma_vmid_received",
	"hfence_vvma_sent",
	"hfence_vvma_received",
	"hfence_vvma_asid_sent",
	"hfence_vvma_asid_received",
}

// FirmwareEventName returns the name of a firmware event code.
func FirmwareEventName(code uint32) string {
	if code < FirmwareEventMax {
		return fwEventNames[code]
	}
	return fmt.Sprintf("fw%d", code)
}

// Cache event code layout: cache id [15:3], op [2:1], result [0].
const (
	cacheIDMask     = 0xfff8
	cacheIDShift    = 3
	cacheOpMask     = 0x6
	cacheOpShift    = 1
	cacheResultMask = 0x1
)

var (
	cacheNames       = []string{"l1d", "l1i", "ll", "dtlb", "itlb", "bpu", "node"}
	cacheOpNames     = []string{"read", "write", "prefetch"}
	cacheResultNames = []string{"access", "miss"}
)

// CacheEvent builds a cache event index.
func CacheEvent(cache, op, result uint32) EventID {
	return MakeEvent(EventTypeCache, cache<<cacheIDShift|op<<cacheOpShift|result)
}

func decodeCache(code uint32) (cache, op, result uint32) {
	return (code & cacheIDMask) >> cacheIDShift,
		(code & cacheOpMask) >> cacheOpShift,
		code & cacheResultMask
}

// hwConfigOffset is the distance between SBI hardware event codes and the
// host's generic hardware event configs.
const hwConfigOffset = 1

// rawEventMask limits raw event selectors passed through to the host.
const rawEventMask = 1<<48 - 1

// hostEvent translates a non-firmware event into the host counter type and
// config. It fails with ErrNotSupported if the host has no equivalent.
func hostEvent(eid EventID, data uint64) (perf.Type, uint64, error) {
	code := eid.Code()
	switch eid.Type() {
	case EventTypeHardware:
		if code == HWNoEvent || code >= hwEventMax {
			return 0, 0, fmt.Errorf("%w: hardware event code %d", ErrNotSupported, code)
		}
		return perf.TypeHardware, uint64(code - hwConfigOffset), nil
	case EventTypeCache:
		cache, op, result := decodeCache(code)
		if cache >= perf.HWCacheMax || op >= perf.HWCacheOpMax || result >= perf.HWCacheResultMax {
			return 0, 0, fmt.Errorf("%w: cache event code 0x%x", ErrNotSupported, code)
		}
		return perf.TypeHWCache, uint64(cache) | uint64(op)<<8 | uint64(result)<<16, nil
	case EventTypeRaw:
		return perf.TypeRaw, data & rawEventMask, nil
	default:
		return 0, 0, fmt.Errorf("%w: event type %s has no host counter", ErrNotSupported, eid.Type())
	}
}

func (e EventID) String() string {
	if e == EventInvalid {
		return "invalid"
	}
	code := e.Code()
	switch e.Type() {
	case EventTypeHardware:
		if code < hwEventMax {
			return "hw." + hwEventNames[code]
		}
	case EventTypeFirmware:
		if code < FirmwareEventMax {
			return "fw." + fwEventNames[code]
		}
	case EventTypeCache:
		cache, op, result := decodeCache(code)
		if int(cache) < len(cacheNames) && int(op) < len(cacheOpNames) {
			return fmt.Sprintf("cache.%s.%s.%s", cacheNames[cache], cacheOpNames[op], cacheResultNames[result])
		}
	case EventTypeRaw:
		return "raw"
	}
	return fmt.Sprintf("0x%x", uint64(e))
}

// ParseEvent parses an event index from its name ("hw.cpu_cycles",
// "fw.set_timer", "cache.l1d.read.miss", "raw") or a number.
func ParseEvent(s string) (EventID, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return EventID(v), nil
	}

	parts := strings.Split(strings.ToLower(s), ".")
	switch parts[0] {
	case "hw":
		if len(parts) == 2 {
			for code, name := range hwEventNames {
				if name == parts[1] {
					return MakeEvent(EventTypeHardware, uint32(code)), nil
				}
			}
		}
	case "fw":
		if len(parts) == 2 {
			for code, name := range fwEventNames {
				if name == parts[1] {
					return MakeEvent(EventTypeFirmware, uint32(code)), nil
				}
			}
		}
	case "cache":
		if len(parts) == 4 {
			cache := indexOf(cacheNames, parts[1])
			op := indexOf(cacheOpNames, parts[2])
			result := indexOf(cacheResultNames, parts[3])
			if cache >= 0 && op >= 0 && result >= 0 {
				return CacheEvent(uint32(cache), uint32(op), uint32(result)), nil
			}
		}
	case "raw":
		if len(parts) == 1 {
			return MakeEvent(EventTypeRaw, 0), nil
		}
	}
	return 0, fmt.Errorf("pmu: unknown event %q", s)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
