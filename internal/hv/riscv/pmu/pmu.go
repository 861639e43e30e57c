// Package pmu implements the virtual performance monitoring unit behind the
// SBI PMU extension.
//
// Each vCPU owns a PMU holding a fixed array of virtual counters. Slots
// [0, numHW) are hardware counters: slot 0 counts cycles, slot 1 is the
// time CSR and never allocated, slot 2 counts retired instructions and the
// rest are programmable. Slots [numHW, numHW+numFW) are firmware counters
// synthesized from guest SBI calls and traps.
//
// A PMU is not safe for concurrent use. The vCPU run loop serializes all
// guest exits that reach it.
package pmu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpmu/internal/perf"
)

const (
	// MaxCounters is the hard cap on virtual counters per vCPU.
	MaxCounters = 64
	// DefaultMaxFirmwareCounters is the default firmware counter budget.
	DefaultMaxFirmwareCounters = 32

	cycleIndex        = 0
	timeIndex         = 1
	instretIndex      = 2
	firstProgrammable = 3

	fixedCounterWidth = 63
)

// CSRCycle is the first user counter CSR. Hardware slot i is read through
// CSR CSRCycle+i; CSRCycleH+i holds the upper half on RV32.
const (
	CSRCycle  uint16 = 0xc00
	CSRCycleH uint16 = 0xc80
)

type Kind uint8

const (
	KindHardware Kind = iota
	KindFirmware
)

func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	case KindFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// State is the lifecycle state of a virtual counter.
type State uint8

const (
	StateUnbound State = iota
	StateIdle
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type counter struct {
	index int
	kind  Kind
	width uint8
	csr   uint16

	event EventID
	state State
	// value is the guest-visible count preserved across start/stop.
	value uint64
	host  perf.Counter
}

// samplePeriod returns the overflow period for the counter's host
// resource: the counter value within its width, or the full width mask for
// a fresh counter. It is never zero.
func (c *counter) samplePeriod() uint64 {
	mask := widthMask(c.width)
	if v := c.value & mask; v != 0 {
		return v
	}
	return mask
}

// widthMask returns a mask covering bits [width:0].
func widthMask(width uint8) uint64 {
	if width >= 63 {
		return ^uint64(0)
	}
	return 1<<(width+1) - 1
}

type firmwareEvent struct {
	value   uint64
	started bool
}

// Config configures a PMU.
type Config struct {
	// XLEN is the guest register width, 32 or 64. Zero means 64.
	XLEN int
	// MaxFirmwareCounters caps the firmware counters. Zero means
	// DefaultMaxFirmwareCounters; negative disables firmware counters.
	MaxFirmwareCounters int
	// VCPU identifies the owning vCPU in logs.
	VCPU int

	Logger *slog.Logger
}

// PMU is the counter registry of a single vCPU.
type PMU struct {
	log  *slog.Logger
	host perf.Host
	xlen int

	numHW int
	numFW int

	counters [MaxCounters]counter
	used     uint64
	// overflow is tracked for overflow interrupt support; nothing raises
	// it yet.
	overflow uint64

	fw [FirmwareEventMax]firmwareEvent
}

// New discovers the host's counters and builds the registry of a new vCPU.
// It fails with ErrCapabilityUnavailable if the host cannot report its
// counter width.
func New(host perf.Host, cfg Config) (*PMU, error) {
	if host == nil {
		return nil, fmt.Errorf("%w: no host counter provider", ErrCapabilityUnavailable)
	}

	xlen := cfg.XLEN
	if xlen == 0 {
		xlen = 64
	}
	if xlen != 32 && xlen != 64 {
		return nil, fmt.Errorf("pmu: invalid xlen %d", xlen)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("vcpu", cfg.VCPU)

	numHW := host.NumCounters()
	if numHW < firstProgrammable || numHW > MaxCounters {
		return nil, fmt.Errorf("%w: host reports %d hardware counters", ErrCapabilityUnavailable, numHW)
	}

	hpmWidth, err := host.CounterWidth()
	if err != nil || hpmWidth <= 0 || hpmWidth > fixedCounterWidth {
		logger.Error("pmu: hpmcounter width not available", "width", hpmWidth, "error", err)
		return nil, fmt.Errorf("%w: hpmcounter width", ErrCapabilityUnavailable)
	}

	maxFW := cfg.MaxFirmwareCounters
	switch {
	case maxFW == 0:
		maxFW = DefaultMaxFirmwareCounters
	case maxFW < 0:
		maxFW = 0
	}
	numFW := min(maxFW, MaxCounters-numHW)

	p := &PMU{
		log:   logger,
		host:  host,
		xlen:  xlen,
		numHW: numHW,
		numFW: numFW,
	}

	for i := 0; i < numHW+numFW; i++ {
		c := &p.counters[i]
		c.index = i
		c.event = EventInvalid
		if i == timeIndex {
			continue
		}
		if i < numHW {
			c.kind = KindHardware
			if i < firstProgrammable {
				c.width = fixedCounterWidth
			} else {
				c.width = uint8(hpmWidth)
			}
			// CSR numbers are assigned sequentially so the trap path can
			// map them back without a table.
			c.csr = CSRCycle + uint16(i)
		} else {
			c.kind = KindFirmware
			c.width = uint8(xlen - 1)
		}
	}

	logger.Debug("pmu: initialized", "hwCounters", numHW, "fwCounters", numFW, "hpmWidth", hpmWidth)
	return p, nil
}

// Deinit releases every bound host counter, unbinds all counters and clears
// the firmware event table. Calling it again is a no-op.
func (p *PMU) Deinit() {
	if p == nil {
		return
	}
	for i := range p.numCounters() {
		if !p.isUsed(i) {
			continue
		}
		c := &p.counters[i]
		p.releaseHost(c)
		c.value = 0
		p.unbind(c)
	}
	p.overflow = 0
	p.fw = [FirmwareEventMax]firmwareEvent{}
}

// Reset returns the PMU to its initial state on vCPU reset.
func (p *PMU) Reset() {
	p.Deinit()
}

func (p *PMU) numCounters() int { return p.numHW + p.numFW }

func (p *PMU) isUsed(idx int) bool { return p.used&(1<<uint(idx)) != 0 }

// unbind drops the counter's event and allocation. Any host counter must
// already be released.
func (p *PMU) unbind(c *counter) {
	c.event = EventInvalid
	c.state = StateUnbound
	p.used &^= 1 << uint(c.index)
	p.overflow &^= 1 << uint(c.index)
}

// releaseHost disables and releases the counter's host resource, if any.
func (p *PMU) releaseHost(c *counter) {
	if c.host == nil {
		return
	}
	if err := c.host.Release(); err != nil {
		p.log.Error("pmu: release host counter", "index", c.index, "error", err)
	}
	c.host = nil
	p.log.Debug("pmu: host counter released", "index", c.index)
}

// HardwareCounters returns the number of hardware counters.
func (p *PMU) HardwareCounters() int { return p.numHW }

// FirmwareCounters returns the number of firmware counters.
func (p *PMU) FirmwareCounters() int { return p.numFW }

// XLEN returns the guest register width the PMU was configured for.
func (p *PMU) XLEN() int { return p.xlen }

// CounterState is a snapshot of one virtual counter.
type CounterState struct {
	Index      int
	Kind       Kind
	Width      int
	CSR        uint16
	Event      EventID
	State      State
	Value      uint64
	HostBacked bool
	Overflow   bool
}

// Counters returns a snapshot of every counter slot except the time slot.
// Firmware counter values reflect the live firmware event table.
func (p *PMU) Counters() []CounterState {
	if p == nil {
		return nil
	}
	ret := make([]CounterState, 0, p.numCounters())
	for i := range p.numCounters() {
		if i == timeIndex {
			continue
		}
		c := &p.counters[i]
		value := c.value
		if c.kind == KindFirmware && p.isUsed(i) && c.event.Code() < FirmwareEventMax {
			value = p.fw[c.event.Code()].value
		}
		ret = append(ret, CounterState{
			Index:      i,
			Kind:       c.kind,
			Width:      int(c.width),
			CSR:        c.csr,
			Event:      c.event,
			State:      c.state,
			Value:      value,
			HostBacked: c.host != nil,
			Overflow:   p.overflow&(1<<uint(i)) != 0,
		})
	}
	return ret
}

// FirmwareEvent returns the count and started flag of a firmware event.
func (p *PMU) FirmwareEvent(code uint32) (value uint64, started bool, err error) {
	if p == nil {
		return 0, false, ErrInvalidState
	}
	if code >= FirmwareEventMax {
		return 0, false, fmt.Errorf("%w: firmware event %d", ErrInvalidArgument, code)
	}
	return p.fw[code].value, p.fw[code].started, nil
}
