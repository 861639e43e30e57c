//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxHost creates counters with perf_event_open(2) that follow the thread
// which created the host. The kernel does not report the SBI-visible counter
// layout, so the counter count and width come from the platform profile.
type LinuxHost struct {
	numCounters int
	width       int
	tid         int
	cpu         int
}

// NewLinuxHost returns a host whose counters count the calling thread on any
// CPU. The caller must hold runtime.LockOSThread for as long as the counters
// are used, otherwise the goroutine may move away from the counted thread.
func NewLinuxHost(numCounters, width int) (*LinuxHost, error) {
	if numCounters <= 0 {
		return nil, fmt.Errorf("perf: invalid counter count %d", numCounters)
	}
	return &LinuxHost{numCounters: numCounters, width: width, tid: unix.Gettid(), cpu: -1}, nil
}

// Thread returns the thread id the host's counters are attached to.
func (h *LinuxHost) Thread() int { return h.tid }

// NumCounters implements Host.
func (h *LinuxHost) NumCounters() int { return h.numCounters }

// CounterWidth implements Host.
func (h *LinuxHost) CounterWidth() (int, error) {
	if h.width <= 0 {
		return 0, ErrWidthUnavailable
	}
	return h.width, nil
}

func (a Attr) sysAttr() *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Type:   uint32(a.Type),
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: a.Config,
		Sample: a.SamplePeriod,
		Ext1:   a.Config1,
		Bits:   unix.PerfBitDisabled,
	}
	if a.Pinned {
		attr.Bits |= unix.PerfBitPinned
	}
	if a.ExcludeUser {
		attr.Bits |= unix.PerfBitExcludeUser
	}
	if a.ExcludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel
	}
	if a.ExcludeHV {
		attr.Bits |= unix.PerfBitExcludeHv
	}
	if a.ExcludeHost {
		attr.Bits |= unix.PerfBitExcludeHost
	}
	return attr
}

// Create implements Host.
func (h *LinuxHost) Create(attr Attr) (Counter, error) {
	if attr.SamplePeriod == 0 {
		return nil, fmt.Errorf("perf: create %s: zero sample period", attr)
	}

	fd, err := unix.PerfEventOpen(attr.sysAttr(), h.tid, h.cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf: perf_event_open %s: %w", attr, err)
	}
	return &linuxCounter{fd: fd, attr: attr}, nil
}

type linuxCounter struct {
	mu   sync.Mutex
	fd   int
	attr Attr
	last uint64
}

func (c *linuxCounter) ioctl(req uint, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return ErrReleased
	}
	if err := unix.IoctlSetInt(c.fd, req, 0); err != nil {
		return fmt.Errorf("perf: ioctl(%s) on %s: %w", name, c.attr, err)
	}
	return nil
}

func (c *linuxCounter) Enable() error {
	return c.ioctl(unix.PERF_EVENT_IOC_ENABLE, "PERF_EVENT_IOC_ENABLE")
}

func (c *linuxCounter) Disable() error {
	return c.ioctl(unix.PERF_EVENT_IOC_DISABLE, "PERF_EVENT_IOC_DISABLE")
}

func (c *linuxCounter) SetPeriod(period uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return ErrReleased
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd),
		uintptr(unix.PERF_EVENT_IOC_PERIOD), uintptr(unsafe.Pointer(&period)))
	if errno != 0 {
		return fmt.Errorf("perf: ioctl(PERF_EVENT_IOC_PERIOD) on %s: %w", c.attr, errno)
	}
	return nil
}

func (c *linuxCounter) Read() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return 0, ErrReleased
	}

	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("perf: read %s: %w", c.attr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("perf: read %s: short read of %d bytes", c.attr, n)
	}

	total := binary.NativeEndian.Uint64(buf[:])
	delta := total - c.last
	c.last = total
	return delta, nil
}

func (c *linuxCounter) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}

	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		slog.Debug("perf: disable before release", "event", c.attr.String(), "error", err)
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if err != nil {
		return fmt.Errorf("perf: close %s: %w", c.attr, err)
	}
	return nil
}

var (
	_ Host    = &LinuxHost{}
	_ Counter = &linuxCounter{}
)
