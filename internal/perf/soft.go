package perf

import (
	"fmt"
	"sync"
)

// SoftHost is an in-process Host whose counters are advanced explicitly with
// Tick. It models a fixed number of physical counters so callers see
// ErrNoCounter when they are exhausted.
type SoftHost struct {
	mu sync.Mutex

	numCounters int
	width       int
	physical    int

	counters map[*softCounter]struct{}
	created  int
}

// NewSoftHost returns a host reporting numCounters hardware counters of the
// given width. physical limits how many counters may be live at once; zero
// means unlimited. A width of zero makes CounterWidth fail.
func NewSoftHost(numCounters, width, physical int) *SoftHost {
	return &SoftHost{
		numCounters: numCounters,
		width:       width,
		physical:    physical,
		counters:    make(map[*softCounter]struct{}),
	}
}

// NumCounters implements Host.
func (h *SoftHost) NumCounters() int { return h.numCounters }

// CounterWidth implements Host.
func (h *SoftHost) CounterWidth() (int, error) {
	if h.width <= 0 {
		return 0, ErrWidthUnavailable
	}
	return h.width, nil
}

// Create implements Host.
func (h *SoftHost) Create(attr Attr) (Counter, error) {
	if attr.SamplePeriod == 0 {
		return nil, fmt.Errorf("perf: create %s: zero sample period", attr)
	}
	switch attr.Type {
	case TypeHardware:
		if attr.Config >= HWMax {
			return nil, fmt.Errorf("perf: create %s: unknown hardware event", attr)
		}
	case TypeHWCache, TypeRaw, TypeSoftware:
	default:
		return nil, fmt.Errorf("perf: create %s: unknown event type", attr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.physical > 0 && len(h.counters) >= h.physical {
		return nil, ErrNoCounter
	}

	c := &softCounter{host: h, attr: attr, period: attr.SamplePeriod}
	h.counters[c] = struct{}{}
	h.created++
	return c, nil
}

// Tick adds n events of the given type and config to every enabled counter
// configured for it.
func (h *SoftHost) Tick(typ Type, config uint64, n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.counters {
		if c.enabled && c.attr.Type == typ && c.attr.Config == config {
			c.count += n
		}
	}
}

// Live returns the number of counters that have not been released.
func (h *SoftHost) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.counters)
}

// Created returns the total number of counters ever created.
func (h *SoftHost) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created
}

// Attrs returns the attributes of all live counters.
func (h *SoftHost) Attrs() []Attr {
	h.mu.Lock()
	defer h.mu.Unlock()

	ret := make([]Attr, 0, len(h.counters))
	for c := range h.counters {
		ret = append(ret, c.attr)
	}
	return ret
}

type softCounter struct {
	host *SoftHost
	attr Attr

	enabled  bool
	released bool
	period   uint64
	count    uint64
	consumed uint64
}

func (c *softCounter) Enable() error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	c.enabled = true
	return nil
}

func (c *softCounter) Disable() error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	c.enabled = false
	return nil
}

func (c *softCounter) SetPeriod(period uint64) error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	if period == 0 {
		return fmt.Errorf("perf: set period on %s: zero period", c.attr)
	}
	c.period = period
	return nil
}

func (c *softCounter) Read() (uint64, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.released {
		return 0, ErrReleased
	}
	delta := c.count - c.consumed
	c.consumed = c.count
	return delta, nil
}

func (c *softCounter) Release() error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	c.enabled = false
	delete(c.host.counters, c)
	return nil
}

var (
	_ Host    = &SoftHost{}
	_ Counter = &softCounter{}
)
