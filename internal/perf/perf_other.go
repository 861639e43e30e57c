//go:build !linux

package perf

// LinuxHost is unavailable on this platform.
type LinuxHost struct{}

func NewLinuxHost(numCounters, width int) (*LinuxHost, error) {
	return nil, ErrUnsupported
}

func (h *LinuxHost) NumCounters() int { return 0 }

func (h *LinuxHost) CounterWidth() (int, error) { return 0, ErrWidthUnavailable }

func (h *LinuxHost) Thread() int { return 0 }

func (h *LinuxHost) Create(attr Attr) (Counter, error) { return nil, ErrUnsupported }

var _ Host = &LinuxHost{}
