package vcpu

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/vpmu/internal/hv"
	"github.com/tinyrange/vpmu/internal/hv/riscv/pmu"
	"github.com/tinyrange/vpmu/internal/hv/riscv/sbi"
	"github.com/tinyrange/vpmu/internal/perf"
	"github.com/tinyrange/vpmu/internal/platform"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testProfile() platform.Profile {
	return platform.Profile{HWCounters: 4, HPMWidth: 47, MaxFirmwareCounters: 2, Sscofpmf: true}
}

func newTestVCPU(t *testing.T, profile platform.Profile) (*VCPU, *perf.SoftHost) {
	t.Helper()
	host := perf.NewSoftHost(profile.HWCounters, profile.HPMWidth, 0)
	v, err := New(Config{Profile: profile, Host: host, Logger: discardLogger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v, host
}

// ecall loads the SBI registers, traps and returns a0 and a1.
func ecall(t *testing.T, v *VCPU, ext, fid uint64, args ...uint64) (int64, uint64) {
	t.Helper()
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVA7: hv.Register64(ext),
		hv.RegisterRISCVA6: hv.Register64(fid),
	}
	for i := range 6 {
		var a uint64
		if i < len(args) {
			a = args[i]
		}
		regs[hv.RegisterRISCVA0+hv.Register(i)] = hv.Register64(a)
	}
	if err := v.SetRegisters(regs); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if _, err := v.HandleEcall(); err != nil {
		t.Fatalf("HandleEcall: %v", err)
	}

	out := map[hv.Register]hv.RegisterValue{hv.RegisterRISCVA0: nil, hv.RegisterRISCVA1: nil}
	if err := v.GetRegisters(out); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	return int64(out[hv.RegisterRISCVA0].(hv.Register64)), uint64(out[hv.RegisterRISCVA1].(hv.Register64))
}

func reg(t *testing.T, v *VCPU, r hv.Register) uint64 {
	t.Helper()
	regs := map[hv.Register]hv.RegisterValue{r: nil}
	if err := v.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	return uint64(regs[r].(hv.Register64))
}

func TestEcallRoundTrip(t *testing.T) {
	v, host := newTestVCPU(t, testProfile())
	v.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterRISCVPc: hv.Register64(0x8000_0000)})

	if e, n := ecall(t, v, sbi.ExtPMU, sbi.PMUNumCounters); e != sbi.Success || n != 6 {
		t.Fatalf("NUM_COUNTERS = %d, %d", e, n)
	}
	if pc := reg(t, v, hv.RegisterRISCVPc); pc != 0x8000_0004 {
		t.Fatalf("pc = 0x%x, want 0x80000004", pc)
	}

	e, idx := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, pmu.CfgFlagAutoStart, uint64(pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWInstructions)))
	if e != sbi.Success || idx != 2 {
		t.Fatalf("CFG_MATCH = %d, %d", e, idx)
	}
	host.Tick(perf.TypeHardware, perf.HWInstructions, 77)
	if e, val := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterFWRead, 2); e != sbi.Success || val != 77 {
		t.Fatalf("FW_READ = %d, %d", e, val)
	}

	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterGetInfo, 1); e != sbi.ErrInvalidParam {
		t.Fatalf("GET_INFO(1) error = %d", e)
	}
}

func TestCSRRead(t *testing.T) {
	v, host := newTestVCPU(t, testProfile())

	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, pmu.CfgFlagAutoStart, uint64(pmu.MakeEvent(pmu.EventTypeRaw, 0)), 0x11); e != sbi.Success {
		t.Fatalf("CFG_MATCH error %d", e)
	}
	host.Tick(perf.TypeRaw, 0x11, 500)

	pc := reg(t, v, hv.RegisterRISCVPc)
	res, err := v.HandleCSR(0xc03, 5, 0, 0)
	if err != nil || res != pmu.TrapContinue {
		t.Fatalf("HandleCSR = %s, %v", res, err)
	}
	if got := reg(t, v, hv.RegisterRISCVX5); got != 500 {
		t.Fatalf("x5 = %d, want 500", got)
	}
	if got := reg(t, v, hv.RegisterRISCVPc); got != pc+4 {
		t.Fatalf("pc = 0x%x, want 0x%x", got, pc+4)
	}

	// x0 stays zero.
	if res, _ := v.HandleCSR(0xc03, 0, 0, 0); res != pmu.TrapContinue || reg(t, v, hv.RegisterRISCVX0) != 0 {
		t.Fatalf("read into x0 = %s", res)
	}
}

func TestCSRWriteInjectsIllegalInstruction(t *testing.T) {
	v, _ := newTestVCPU(t, testProfile())

	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 4, 0x3, pmu.CfgFlagAutoStart, uint64(pmu.MakeEvent(pmu.EventTypeFirmware, pmu.FWIllegalInsn))); e != sbi.Success {
		t.Fatalf("CFG_MATCH error %d", e)
	}

	v.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterRISCVPc: hv.Register64(0x1000)})
	res, err := v.HandleCSR(0xc00, 1, 5, ^uint64(0))
	if err != nil || res != pmu.TrapIllegal {
		t.Fatalf("HandleCSR = %s, %v", res, err)
	}
	if got := reg(t, v, hv.RegisterRISCVSepc); got != 0x1000 {
		t.Fatalf("sepc = 0x%x, want 0x1000", got)
	}
	if got := reg(t, v, hv.RegisterRISCVPc); got != 0x1000 {
		t.Fatalf("pc advanced to 0x%x", got)
	}
	if v.IllegalInstructions() != 1 {
		t.Fatalf("IllegalInstructions = %d", v.IllegalInstructions())
	}
	if e, val := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterFWRead, 4); e != sbi.Success || val != 1 {
		t.Fatalf("illegal instruction counter = %d, %d", e, val)
	}
}

func TestCSRExitToUser(t *testing.T) {
	v, _ := newTestVCPU(t, testProfile())

	for _, csr := range []uint16{0xc01, 0xc03, 0xc80, 0x100} {
		res, err := v.HandleCSR(csr, 1, 0, 0)
		if err != nil || res != pmu.TrapExitToUser {
			t.Errorf("HandleCSR(0x%x) = %s, %v; want exit-to-user", csr, res, err)
		}
	}
	if _, err := v.HandleCSR(0xc00, 32, 0, 0); err == nil {
		t.Fatalf("expected error for x32")
	}
}

func TestRV32(t *testing.T) {
	profile := testProfile()
	profile.XLEN = 32
	v, _ := newTestVCPU(t, profile)

	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0x1, 0, uint64(pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWCPUCycles))); e != sbi.Success {
		t.Fatalf("CFG_MATCH error %d", e)
	}
	// initial value 0x2_0000_0010 split across a3 and a4.
	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterStart, 0, 0x1, pmu.StartFlagSetInitValue, 0x10, 0x2); e != sbi.Success {
		t.Fatalf("START error %d", e)
	}

	if res, _ := v.HandleCSR(0xc00, 6, 0, 0); res != pmu.TrapContinue || reg(t, v, hv.RegisterRISCVX6) != 0x10 {
		t.Fatalf("cycle = %s 0x%x", res, reg(t, v, hv.RegisterRISCVX6))
	}
	if res, _ := v.HandleCSR(0xc80, 7, 0, 0); res != pmu.TrapContinue || reg(t, v, hv.RegisterRISCVX7) != 0x2 {
		t.Fatalf("cycleh = %s 0x%x", res, reg(t, v, hv.RegisterRISCVX7))
	}

	// a0 only holds the low 32 bits of the error code.
	e, _ := ecall(t, v, sbi.ExtPMU, 99)
	if uint32(e) != uint32(0xfffffffe) || e < 0 {
		t.Fatalf("a0 = 0x%x, want 0xfffffffe", e)
	}
}

func TestPMUUnavailable(t *testing.T) {
	profile := testProfile()
	profile.Sscofpmf = false
	v, host := newTestVCPU(t, profile)

	if v.PMU() != nil {
		t.Fatalf("PMU created without sscofpmf")
	}
	if e, val := ecall(t, v, sbi.ExtBase, sbi.BaseProbeExtension, sbi.ExtPMU); e != sbi.Success || val != 0 {
		t.Fatalf("probe = %d, %d", e, val)
	}
	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUNumCounters); e != sbi.ErrNotSupported {
		t.Fatalf("NUM_COUNTERS error %d", e)
	}
	if res, _ := v.HandleCSR(0xc00, 1, 0, 0); res != pmu.TrapExitToUser {
		t.Fatalf("cycle read = %s", res)
	}
	if err := v.CountFirmwareEvent(pmu.FWAccessLoad); !errors.Is(err, pmu.ErrInvalidState) {
		t.Fatalf("CountFirmwareEvent: %v", err)
	}
	if host.Created() != 0 {
		t.Fatalf("host counters created")
	}
}

func TestWidthUnavailableFailsCreation(t *testing.T) {
	host := perf.NewSoftHost(4, 0, 0)
	v, err := New(Config{Profile: testProfile(), Host: host, Logger: discardLogger})
	if !errors.Is(err, pmu.ErrCapabilityUnavailable) {
		t.Fatalf("New: %v, want ErrCapabilityUnavailable", err)
	}
	if v != nil {
		t.Fatalf("vCPU created without counter width")
	}
}

func TestFirmwareCountersDisabled(t *testing.T) {
	profile := testProfile()
	profile.MaxFirmwareCounters = platform.NoFirmwareCounters
	v, _ := newTestVCPU(t, profile)

	if e, n := ecall(t, v, sbi.ExtPMU, sbi.PMUNumCounters); e != sbi.Success || n != 4 {
		t.Fatalf("NUM_COUNTERS = %d, %d; want 4 hardware counters only", e, n)
	}
	ev := uint64(pmu.MakeEvent(pmu.EventTypeFirmware, pmu.FWSetTimer))
	if e, _ := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, 0, ev); e != sbi.ErrNotSupported {
		t.Fatalf("CFG_MATCH firmware event error %d", e)
	}
}

func TestResetAndClose(t *testing.T) {
	v, host := newTestVCPU(t, testProfile())

	ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, pmu.CfgFlagAutoStart, uint64(pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWCPUCycles)))
	ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, 0, uint64(pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWBranchMisses)))
	if host.Live() != 2 {
		t.Fatalf("Live = %d", host.Live())
	}

	v.Reset()
	if host.Live() != 0 {
		t.Fatalf("Live = %d after reset", host.Live())
	}
	if reg(t, v, hv.RegisterRISCVPc) != 0 {
		t.Fatalf("pc not reset")
	}
	if e, idx := ecall(t, v, sbi.ExtPMU, sbi.PMUCounterCfgMatch, 0, 0xf, 0, uint64(pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWBranchMisses))); e != sbi.Success || idx != 3 {
		t.Fatalf("CFG_MATCH after reset = %d, %d", e, idx)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if host.Live() != 0 {
		t.Fatalf("Live = %d after close", host.Live())
	}
	if _, err := v.HandleEcall(); !errors.Is(err, hv.ErrVCPUClosed) {
		t.Fatalf("HandleEcall after close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRegisterErrors(t *testing.T) {
	v, _ := newTestVCPU(t, testProfile())

	if err := v.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterInvalid: hv.Register64(1)}); err == nil {
		t.Fatalf("expected error for invalid register")
	}
	if err := v.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterRISCVX1: nil}); err == nil {
		t.Fatalf("expected error for nil value")
	}
	if err := v.GetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterInvalid: nil}); err == nil {
		t.Fatalf("expected error for invalid register")
	}
}
