// Package vcpu holds the per-hart state the trap path operates on and routes
// guest ecalls and counter CSR reads to the SBI layer and the PMU.
package vcpu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpmu/internal/hv"
	"github.com/tinyrange/vpmu/internal/hv/riscv/pmu"
	"github.com/tinyrange/vpmu/internal/hv/riscv/sbi"
	"github.com/tinyrange/vpmu/internal/perf"
	"github.com/tinyrange/vpmu/internal/platform"
)

// instructionSize is the length of ecall and the CSR instructions.
const instructionSize = 4

type Config struct {
	ID      int
	Profile platform.Profile
	Host    perf.Host
	Logger  *slog.Logger
}

// VCPU is a guest hart as seen by the trap handlers.
type VCPU struct {
	id      int
	log     *slog.Logger
	profile platform.Profile

	x    [32]uint64
	pc   uint64
	sepc uint64

	pmu       *pmu.PMU
	sbi       *sbi.Dispatcher
	csrRanges []pmu.CSRRange

	illegal int
	closed  bool
}

// New creates a vCPU for the given platform. The PMU is only set up when
// the platform can offer it. A host that cannot describe its counters
// fails vCPU creation with pmu.ErrCapabilityUnavailable.
func New(cfg Config) (*VCPU, error) {
	profile, err := platform.Normalize(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("vcpu: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("vcpu", cfg.ID)

	v := &VCPU{
		id:        cfg.ID,
		log:       logger,
		profile:   profile,
		csrRanges: pmu.CSRRanges(profile.XLEN),
	}

	if profile.PMUAvailable() && cfg.Host != nil {
		p, err := pmu.New(cfg.Host, pmu.Config{
			XLEN:                profile.XLEN,
			MaxFirmwareCounters: profile.MaxFirmwareCounters,
			VCPU:                cfg.ID,
			Logger:              cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("vcpu: create PMU: %w", err)
		}
		v.pmu = p
	}

	v.sbi = sbi.NewDispatcher(profile, v.pmu, logger)
	return v, nil
}

func (v *VCPU) ID() int { return v.id }

// PMU returns the vCPU's counter registry, or nil if it has none.
func (v *VCPU) PMU() *pmu.PMU { return v.pmu }

func (v *VCPU) Profile() platform.Profile { return v.profile }

// IllegalInstructions returns how many illegal instruction exceptions were
// injected into the guest.
func (v *VCPU) IllegalInstructions() int { return v.illegal }

// truncate limits a register value to XLEN bits.
func (v *VCPU) truncate(val uint64) uint64 {
	if v.profile.XLEN == 32 {
		return val & 0xffffffff
	}
	return val
}

func (v *VCPU) setX(idx int, val uint64) {
	if idx == 0 {
		return
	}
	v.x[idx] = v.truncate(val)
}

func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if v.closed {
		return hv.ErrVCPUClosed
	}
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("vcpu: unsupported register value type %T", value)
		}

		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			v.setX(int(reg-hv.RegisterRISCVX0), uint64(val64))
		case reg == hv.RegisterRISCVPc:
			v.pc = v.truncate(uint64(val64))
		case reg == hv.RegisterRISCVSepc:
			v.sepc = v.truncate(uint64(val64))
		default:
			return fmt.Errorf("vcpu: unsupported register %v", reg)
		}
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if v.closed {
		return hv.ErrVCPUClosed
	}
	for reg := range regs {
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			regs[reg] = hv.Register64(v.x[reg-hv.RegisterRISCVX0])
		case reg == hv.RegisterRISCVPc:
			regs[reg] = hv.Register64(v.pc)
		case reg == hv.RegisterRISCVSepc:
			regs[reg] = hv.Register64(v.sepc)
		default:
			return fmt.Errorf("vcpu: unsupported register %v", reg)
		}
	}
	return nil
}

// HandleEcall serves an SBI call from the guest: a7 and a6 select the
// extension and function, a0 and a1 receive the result and the guest
// resumes after the ecall.
func (v *VCPU) HandleEcall() (sbi.Result, error) {
	if v.closed {
		return sbi.Result{}, hv.ErrVCPUClosed
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA0: nil, hv.RegisterRISCVA1: nil, hv.RegisterRISCVA2: nil,
		hv.RegisterRISCVA3: nil, hv.RegisterRISCVA4: nil, hv.RegisterRISCVA5: nil,
		hv.RegisterRISCVA6: nil, hv.RegisterRISCVA7: nil,
	}
	if err := v.GetRegisters(regs); err != nil {
		return sbi.Result{}, err
	}

	call := sbi.Call{
		Ext: uint64(regs[hv.RegisterRISCVA7].(hv.Register64)),
		FID: uint64(regs[hv.RegisterRISCVA6].(hv.Register64)),
	}
	for i := range call.Args {
		call.Args[i] = uint64(regs[hv.RegisterRISCVA0+hv.Register(i)].(hv.Register64))
	}

	res := v.sbi.Handle(call)

	if err := v.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA0: hv.Register64(uint64(res.Error)),
		hv.RegisterRISCVA1: hv.Register64(res.Value),
		hv.RegisterRISCVPc: hv.Register64(v.pc + instructionSize),
	}); err != nil {
		return sbi.Result{}, err
	}
	return res, nil
}

// Call loads an SBI call into the argument registers and handles the
// resulting ecall.
func (v *VCPU) Call(ext, fid uint64, args [6]uint64) (sbi.Result, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA7: hv.Register64(ext),
		hv.RegisterRISCVA6: hv.Register64(fid),
	}
	for i, a := range args {
		regs[hv.RegisterRISCVA0+hv.Register(i)] = hv.Register64(a)
	}
	if err := v.SetRegisters(regs); err != nil {
		return sbi.Result{}, err
	}
	return v.HandleEcall()
}

// HandleCSR emulates a trapped counter CSR access. On TrapContinue the value
// is written to rd and the guest resumes after the instruction. On
// TrapIllegal an illegal instruction exception is injected.
func (v *VCPU) HandleCSR(csr uint16, rd int, newVal, wrMask uint64) (pmu.TrapResult, error) {
	if v.closed {
		return pmu.TrapExitToUser, hv.ErrVCPUClosed
	}
	if rd < 0 || rd >= len(v.x) {
		return pmu.TrapExitToUser, fmt.Errorf("vcpu: invalid destination register x%d", rd)
	}

	var rng *pmu.CSRRange
	for i := range v.csrRanges {
		if v.csrRanges[i].Contains(csr) {
			rng = &v.csrRanges[i]
			break
		}
	}
	if rng == nil {
		return pmu.TrapExitToUser, nil
	}

	val, res := rng.Handler(v.pmu, csr, newVal, wrMask)
	switch res {
	case pmu.TrapContinue:
		v.setX(rd, val)
		v.pc = v.truncate(v.pc + instructionSize)
	case pmu.TrapIllegal:
		v.injectIllegalInstruction()
	}
	return res, nil
}

// injectIllegalInstruction records an illegal instruction exception at pc:
// sepc is set to the faulting instruction and the ILLEGAL_INSN firmware
// event is counted. pc is left for the trap framework to redirect.
func (v *VCPU) injectIllegalInstruction() {
	v.sepc = v.pc
	v.illegal++
	if v.pmu != nil {
		if err := v.pmu.IncrementFirmwareEvent(pmu.FWIllegalInsn); err != nil {
			v.log.Error("vcpu: count illegal instruction", "error", err)
		}
	}
}

// CountFirmwareEvent accounts a firmware event raised by the trap path,
// such as a misaligned access emulated on the guest's behalf.
func (v *VCPU) CountFirmwareEvent(code uint32) error {
	if v.closed {
		return hv.ErrVCPUClosed
	}
	if v.pmu == nil {
		return pmu.ErrInvalidState
	}
	return v.pmu.IncrementFirmwareEvent(code)
}

// Reset returns the vCPU to its power-on state. Every counter is released.
func (v *VCPU) Reset() {
	v.x = [32]uint64{}
	v.pc = 0
	v.sepc = 0
	v.illegal = 0
	v.pmu.Reset()
}

// Close tears the vCPU down and releases its host counters.
func (v *VCPU) Close() error {
	if v.closed {
		return nil
	}
	v.pmu.Deinit()
	v.closed = true
	return nil
}

var _ hv.VirtualCPU = &VCPU{}
