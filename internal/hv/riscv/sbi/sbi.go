// Package sbi decodes guest SBI calls and routes them to the extensions a
// vCPU offers.
package sbi

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpmu/internal/hv/riscv/pmu"
	"github.com/tinyrange/vpmu/internal/platform"
)

// SBI Extension IDs
const (
	ExtBase   = 0x10
	ExtTimer  = 0x54494D45 // "TIME"
	ExtIPI    = 0x735049   // "sPI"
	ExtRFence = 0x52464E43 // "RFNC"
	ExtPMU    = 0x504D55   // "PMU"
)

// SBI error codes
const (
	Success             = 0
	ErrFailed           = -1
	ErrNotSupported     = -2
	ErrInvalidParam     = -3
	ErrDenied           = -4
	ErrInvalidAddress   = -5
	ErrAlreadyAvailable = -6
)

// ImplID is reported by GET_IMPL_ID.
const ImplID = 0x56504d55 // "VPMU"

// ImplVersion is reported by GET_IMPL_VERSION.
const ImplVersion = 0x00010000

// Call is a decoded ecall: a7 selects the extension, a6 the function and
// a0-a5 carry the arguments.
type Call struct {
	Ext  uint64
	FID  uint64
	Args [6]uint64
}

// Result is written back to a0 (Error) and a1 (Value).
type Result struct {
	Error int64
	Value uint64
}

func (r Result) String() string {
	return fmt.Sprintf("error=%d value=0x%x", r.Error, r.Value)
}

// errNotSupported is returned by handlers for unknown function IDs.
var errNotSupported = errors.New("sbi: function not supported")

// ErrorCode maps a handler error onto the SBI error code space.
func ErrorCode(err error) int64 {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, pmu.ErrInvalidArgument):
		return ErrInvalidParam
	case errors.Is(err, pmu.ErrNotSupported), errors.Is(err, errNotSupported):
		return ErrNotSupported
	default:
		return ErrFailed
	}
}

type extension struct {
	name    string
	start   uint64
	end     uint64
	handler func(d *Dispatcher, call Call) (uint64, error)
	probe   func(d *Dispatcher) bool
}

func builtinExtensions() []extension {
	return []extension{
		{name: "base", start: ExtBase, end: ExtBase, handler: (*Dispatcher).handleBase},
		{name: "timer", start: ExtTimer, end: ExtTimer, handler: (*Dispatcher).handleTimer},
		{name: "ipi", start: ExtIPI, end: ExtIPI, handler: (*Dispatcher).handleIPI},
		{name: "rfence", start: ExtRFence, end: ExtRFence, handler: (*Dispatcher).handleRFence},
		{name: "pmu", start: ExtPMU, end: ExtPMU, handler: (*Dispatcher).handlePMU, probe: probePMU},
	}
}

// Dispatcher serves the SBI calls of one vCPU.
type Dispatcher struct {
	log     *slog.Logger
	profile platform.Profile
	pmu     *pmu.PMU

	exts []extension
}

func (d *Dispatcher) findExtension(ext uint64) *extension {
	for i := range d.exts {
		if e := &d.exts[i]; ext >= e.start && ext <= e.end {
			return e
		}
	}
	return nil
}

// NewDispatcher returns a dispatcher for a vCPU on the given platform. p may
// be nil when the vCPU has no counter registry; PMU calls then fail.
func NewDispatcher(profile platform.Profile, p *pmu.PMU, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{log: logger, profile: profile, pmu: p, exts: builtinExtensions()}
}

// Probe reports whether extension ext is offered to the guest.
func (d *Dispatcher) Probe(ext uint64) bool {
	e := d.findExtension(ext)
	if e == nil {
		return false
	}
	return e.probe == nil || e.probe(d)
}

// Handle executes call and returns the values for a0 and a1.
func (d *Dispatcher) Handle(call Call) Result {
	e := d.findExtension(call.Ext)
	if e == nil || (e.probe != nil && !e.probe(d)) {
		d.log.Debug("sbi: extension not available", "ext", fmt.Sprintf("0x%x", call.Ext), "fid", call.FID)
		return Result{Error: ErrNotSupported}
	}

	val, err := e.handler(d, call)
	if err != nil {
		code := ErrorCode(err)
		d.log.Debug("sbi: call failed", "ext", e.name, "fid", call.FID, "sbiError", code, "error", err)
		return Result{Error: code}
	}
	return Result{Error: Success, Value: val}
}

// countFirmwareEvent accounts a firmware event on the vCPU's PMU, if any.
func (d *Dispatcher) countFirmwareEvent(code uint32) {
	if d.pmu == nil {
		return
	}
	if err := d.pmu.IncrementFirmwareEvent(code); err != nil {
		d.log.Error("sbi: count firmware event", "event", pmu.FirmwareEventName(code), "error", err)
	}
}

// xlen returns the guest register width.
func (d *Dispatcher) xlen() int {
	if d.profile.XLEN == 32 {
		return 32
	}
	return 64
}
