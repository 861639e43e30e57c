package pmu

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/vpmu/internal/perf"
)

// COUNTER_CFG_MATCH flags.
const (
	CfgFlagSkipMatch  = 1 << 0
	CfgFlagClearValue = 1 << 1
	CfgFlagAutoStart  = 1 << 2
	CfgFlagSetVUINH   = 1 << 3
	CfgFlagSetVSINH   = 1 << 4
	CfgFlagSetUINH    = 1 << 5
	CfgFlagSetSINH    = 1 << 6
	CfgFlagSetMINH    = 1 << 7
)

// COUNTER_START flags.
const (
	StartFlagSetInitValue = 1 << 0
)

// COUNTER_STOP flags.
const (
	StopFlagReset = 1 << 0
)

// hostConfig1GuestEvents tags host counters as counting guest execution.
const hostConfig1GuestEvents = 0x1

// CounterInfo describes a counter slot to the guest.
type CounterInfo struct {
	CSR   uint16
	Width int
	Kind  Kind
}

// Encode returns the COUNTER_GET_INFO encoding: CSR in bits [11:0], width
// in bits [17:12] and the firmware flag in bit XLEN-1.
func (i CounterInfo) Encode(xlen int) uint64 {
	v := uint64(i.CSR&0xfff) | uint64(i.Width&0x3f)<<12
	if i.Kind == KindFirmware {
		v |= 1 << uint(xlen-1)
	}
	return v
}

// NumCounters returns the number of hardware and firmware counters.
func (p *PMU) NumCounters() (int, error) {
	if p == nil {
		return 0, ErrInvalidState
	}
	return p.numCounters(), nil
}

// CounterInfo describes counter idx. The time slot has no counter. Indexes
// at or beyond NumCounters are rejected, not just those beyond
// MaxCounters.
func (p *PMU) CounterInfo(idx uint64) (CounterInfo, error) {
	if p == nil {
		return CounterInfo{}, ErrInvalidState
	}
	if idx >= uint64(p.numCounters()) || idx == timeIndex {
		return CounterInfo{}, fmt.Errorf("%w: counter %d", ErrInvalidArgument, idx)
	}
	c := &p.counters[idx]
	return CounterInfo{CSR: c.csr, Width: int(c.width), Kind: c.kind}, nil
}

// checkRange validates a base/mask counter selection against the counter
// count.
func (p *PMU) checkRange(base, mask uint64) error {
	n := uint64(p.numCounters())
	if mask == 0 {
		return fmt.Errorf("%w: empty counter mask", ErrInvalidArgument)
	}
	top := uint64(bits.Len64(mask) - 1)
	if base >= n || base+top >= n {
		return fmt.Errorf("%w: counters [%d+0x%x] exceed %d counters", ErrInvalidArgument, base, mask, n)
	}
	return nil
}

// forEachSelected calls fn for every allocated counter selected by base and
// mask, lowest index first, stopping at the first error. The selection must
// have passed checkRange.
func (p *PMU) forEachSelected(base, mask uint64, fn func(c *counter) error) error {
	for m := mask; m != 0; m &= m - 1 {
		idx := int(base) + bits.TrailingZeros64(m)
		if !p.isUsed(idx) {
			continue
		}
		if err := fn(&p.counters[idx]); err != nil {
			return err
		}
	}
	return nil
}

// fixedCounter returns the slot hardwired to a hardware event, or -1.
func fixedCounter(eid EventID) int {
	if eid.Type() != EventTypeHardware {
		return -1
	}
	switch eid.Code() {
	case HWCPUCycles:
		return cycleIndex
	case HWInstructions:
		return instretIndex
	default:
		return -1
	}
}

// findCounter picks the counter for eid: its fixed slot if it has one,
// otherwise the lowest unused slot in the selection within the hardware or
// firmware range.
func (p *PMU) findCounter(eid EventID, base, mask uint64) int {
	if idx := fixedCounter(eid); idx >= 0 {
		return idx
	}

	lo, hi := firstProgrammable, p.numHW
	if eid.Type() == EventTypeFirmware {
		// Firmware counters are mapped 1:1 after the hardware counters.
		lo, hi = p.numHW, p.numHW+p.numFW
	}
	for m := mask; m != 0; m &= m - 1 {
		idx := int(base) + bits.TrailingZeros64(m)
		if idx >= lo && idx < hi && !p.isUsed(idx) {
			return idx
		}
	}
	return -1
}

// hostAttr builds the host counter attributes for binding eid to c.
func (p *PMU) hostAttr(c *counter, eid EventID, data uint64, flags uint64) (perf.Attr, error) {
	typ, config, err := hostEvent(eid, data)
	if err != nil {
		return perf.Attr{}, err
	}
	return perf.Attr{
		Type:    typ,
		Config:  config,
		Config1: hostConfig1GuestEvents,
		// The guest's period is applied on start.
		SamplePeriod: c.samplePeriod(),
		Pinned:       true,
		// Without privilege mode filtering the extension is never offered,
		// so the host and hypervisor can always be excluded.
		ExcludeHost:   true,
		ExcludeHV:     true,
		ExcludeUser:   flags&CfgFlagSetUINH != 0,
		ExcludeKernel: flags&CfgFlagSetSINH != 0,
	}, nil
}

// ConfigMatch finds a counter among base+mask able to count eid, binds it
// and returns its index.
//
// With CfgFlagSkipMatch the guest names an already allocated counter in
// base and the event is rebound to it.
func (p *PMU) ConfigMatch(base, mask, flags uint64, eid EventID, data uint64) (int, error) {
	if p == nil {
		return -1, ErrInvalidState
	}
	if !eid.Type().valid() {
		return -1, fmt.Errorf("%w: event type 0x%x", ErrInvalidArgument, uint8(eid.Type()))
	}
	if err := p.checkRange(base, mask); err != nil {
		return -1, err
	}

	isFW := eid.Type() == EventTypeFirmware
	code := eid.Code()
	if isFW && code >= FirmwareEventMax {
		return -1, fmt.Errorf("%w: firmware event %d", ErrNotSupported, code)
	}

	var idx int
	if flags&CfgFlagSkipMatch != 0 {
		idx = int(base)
		if !p.isUsed(idx) {
			return -1, fmt.Errorf("%w: counter %d not configured", ErrInvalidArgument, idx)
		}
		if (p.counters[idx].kind == KindFirmware) != isFW {
			return -1, fmt.Errorf("%w: event %s cannot use %s counter %d",
				ErrInvalidArgument, eid, p.counters[idx].kind, idx)
		}
	} else {
		idx = p.findCounter(eid, base, mask)
		if idx < 0 || idx >= p.numHW+p.numFW {
			return -1, fmt.Errorf("%w: no free counter for %s", ErrNotSupported, eid)
		}
	}

	c := &p.counters[idx]
	if flags&CfgFlagClearValue != 0 {
		c.value = 0
	}

	if !isFW {
		p.releaseHost(c)

		attr, err := p.hostAttr(c, eid, data, flags)
		if err != nil {
			p.unbind(c)
			return -1, err
		}
		hc, err := p.host.Create(attr)
		if err != nil {
			p.log.Error("pmu: host counter creation failed", "event", eid.String(), "attr", attr.String(), "error", err)
			p.unbind(c)
			return -1, fmt.Errorf("%w: create host counter for %s: %v", ErrNotSupported, eid, err)
		}
		c.host = hc
	}

	state := StateIdle
	if flags&CfgFlagAutoStart != 0 {
		if isFW {
			p.fw[code].started = true
		} else if err := c.host.Enable(); err != nil {
			p.releaseHost(c)
			p.unbind(c)
			return -1, fmt.Errorf("%w: enable host counter for %s: %v", ErrNotSupported, eid, err)
		}
		state = StateRunning
	}

	c.event = eid
	c.state = state
	p.used |= 1 << uint(idx)

	p.log.Debug("pmu: counter configured", "index", idx, "event", eid.String(), "state", state.String())
	return idx, nil
}

// Start starts the allocated counters among base+mask. With
// StartFlagSetInitValue each counter is first set to initial.
func (p *PMU) Start(base, mask, flags uint64, initial uint64) error {
	if p == nil {
		return ErrInvalidState
	}
	if err := p.checkRange(base, mask); err != nil {
		return err
	}

	return p.forEachSelected(base, mask, func(c *counter) error {
		if flags&StartFlagSetInitValue != 0 {
			// Events the host saw before the new value was set belong to
			// the old one.
			if c.host != nil {
				if _, err := c.host.Read(); err != nil {
					return fmt.Errorf("pmu: start counter %d: %w", c.index, err)
				}
			}
			c.value = initial
		}

		if c.kind == KindFirmware {
			code := c.event.Code()
			if code >= FirmwareEventMax {
				return fmt.Errorf("%w: counter %d has firmware event %d", ErrInvalidArgument, c.index, code)
			}
			p.fw[code].started = true
			p.fw[code].value = c.value
		} else if c.host != nil {
			if err := c.host.SetPeriod(c.samplePeriod()); err != nil {
				return fmt.Errorf("pmu: start counter %d: %w", c.index, err)
			}
			if err := c.host.Enable(); err != nil {
				return fmt.Errorf("pmu: start counter %d: %w", c.index, err)
			}
		}
		c.state = StateRunning
		return nil
	})
}

// Stop stops the allocated counters among base+mask. With StopFlagReset
// the counters are also released and unbound.
func (p *PMU) Stop(base, mask, flags uint64) error {
	if p == nil {
		return ErrInvalidState
	}
	if err := p.checkRange(base, mask); err != nil {
		return err
	}
	reset := flags&StopFlagReset != 0

	return p.forEachSelected(base, mask, func(c *counter) error {
		if c.kind == KindFirmware {
			code := c.event.Code()
			if code >= FirmwareEventMax {
				return fmt.Errorf("%w: counter %d has firmware event %d", ErrInvalidArgument, c.index, code)
			}
			p.fw[code].started = false
			c.value = p.fw[code].value
		} else if c.host != nil {
			if err := c.host.Disable(); err != nil {
				p.log.Error("pmu: disable host counter", "index", c.index, "error", err)
			}
			if reset {
				delta, err := c.host.Read()
				if err != nil {
					p.log.Error("pmu: read host counter before release", "index", c.index, "error", err)
				}
				c.value += delta
				p.releaseHost(c)
			}
		}

		if reset {
			p.unbind(c)
		} else {
			c.state = StateIdle
		}
		return nil
	})
}

// Read returns the value of allocated counter idx. Hardware counters first
// absorb the events their host counter saw since the previous read.
func (p *PMU) Read(idx uint64) (uint64, error) {
	if p == nil {
		return 0, ErrInvalidState
	}
	if idx >= uint64(p.numCounters()) || idx == timeIndex {
		return 0, fmt.Errorf("%w: counter %d", ErrInvalidArgument, idx)
	}
	if !p.isUsed(int(idx)) {
		return 0, fmt.Errorf("%w: counter %d not configured", ErrInvalidArgument, idx)
	}

	c := &p.counters[idx]
	if c.kind == KindFirmware {
		code := c.event.Code()
		if code >= FirmwareEventMax {
			return 0, fmt.Errorf("%w: counter %d has firmware event %d", ErrInvalidArgument, idx, code)
		}
		c.value = p.fw[code].value
	} else if c.host != nil {
		delta, err := c.host.Read()
		if err != nil {
			return 0, fmt.Errorf("pmu: read counter %d: %w", idx, err)
		}
		c.value += delta
	}
	return c.value, nil
}

// IncrementFirmwareEvent counts one occurrence of a firmware event. Events
// are only counted while started.
func (p *PMU) IncrementFirmwareEvent(code uint32) error {
	if p == nil {
		return ErrInvalidState
	}
	if code >= FirmwareEventMax {
		return fmt.Errorf("%w: firmware event %d", ErrInvalidArgument, code)
	}
	if ev := &p.fw[code]; ev.started {
		ev.value++
	}
	return nil
}
