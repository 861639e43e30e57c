package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/vpmu/internal/hv"
	"github.com/tinyrange/vpmu/internal/hv/riscv/sbi"
	"github.com/tinyrange/vpmu/internal/hv/riscv/vcpu"
	"github.com/tinyrange/vpmu/internal/perf"
	"github.com/tinyrange/vpmu/internal/platform"
)

// callSpec maps a call name onto an SBI extension and function and fills
// a0-a5 from the step.
type callSpec struct {
	ext  uint64
	fid  uint64
	args func(s Step, xlen int) [6]uint64
}

// split places v in a[lo], and on RV32 its upper half in a[lo+1].
func split(a *[6]uint64, lo int, v uint64, xlen int) {
	if xlen == 32 {
		a[lo] = v & 0xffffffff
		a[lo+1] = v >> 32
		return
	}
	a[lo] = v
}

func noArgs(Step, int) [6]uint64 { return [6]uint64{} }

func indexArg(s Step, _ int) [6]uint64 { return [6]uint64{s.Index} }

// Calls lists the SBI calls a step may name.
var Calls = map[string]callSpec{
	"num_counters": {ext: sbi.ExtPMU, fid: sbi.PMUNumCounters, args: noArgs},
	"counter_info": {ext: sbi.ExtPMU, fid: sbi.PMUCounterGetInfo, args: indexArg},
	"cfg_match": {ext: sbi.ExtPMU, fid: sbi.PMUCounterCfgMatch, args: func(s Step, xlen int) [6]uint64 {
		a := [6]uint64{s.Base, s.Mask, s.Flags, uint64(s.Event)}
		split(&a, 4, s.Data, xlen)
		return a
	}},
	"start": {ext: sbi.ExtPMU, fid: sbi.PMUCounterStart, args: func(s Step, xlen int) [6]uint64 {
		a := [6]uint64{s.Base, s.Mask, s.Flags}
		split(&a, 3, s.Value, xlen)
		return a
	}},
	"stop": {ext: sbi.ExtPMU, fid: sbi.PMUCounterStop, args: func(s Step, _ int) [6]uint64 {
		return [6]uint64{s.Base, s.Mask, s.Flags}
	}},
	"fw_read":    {ext: sbi.ExtPMU, fid: sbi.PMUCounterFWRead, args: indexArg},
	"fw_read_hi": {ext: sbi.ExtPMU, fid: sbi.PMUCounterFWReadHigh, args: indexArg},

	"spec_version": {ext: sbi.ExtBase, fid: sbi.BaseGetSpecVersion, args: noArgs},
	"probe": {ext: sbi.ExtBase, fid: sbi.BaseProbeExtension, args: func(s Step, _ int) [6]uint64 {
		return [6]uint64{s.Ext}
	}},
	"set_timer":              {ext: sbi.ExtTimer, fid: sbi.TimerSetTimer, args: noArgs},
	"send_ipi":               {ext: sbi.ExtIPI, fid: sbi.IPISendIPI, args: noArgs},
	"remote_fence_i":         {ext: sbi.ExtRFence, fid: sbi.RFenceRemoteFenceI, args: noArgs},
	"remote_sfence_vma":      {ext: sbi.ExtRFence, fid: sbi.RFenceRemoteSfenceVMA, args: noArgs},
	"remote_sfence_vma_asid": {ext: sbi.ExtRFence, fid: sbi.RFenceRemoteSfenceVMAASID, args: noArgs},
}

// csrDestination is the register trapped CSR reads are written to (t0).
const csrDestination = 5

// StepResult is the outcome of one step.
type StepResult struct {
	Index  int    `yaml:"index"`
	Step   string `yaml:"step"`
	Error  int64  `yaml:"error"`
	Value  uint64 `yaml:"value"`
	Trap   string `yaml:"trap,omitempty"`
	Failed bool   `yaml:"failed,omitempty"`
	// Message explains a failed expectation or a skipped step.
	Message string `yaml:"message,omitempty"`
	Skipped bool   `yaml:"skipped,omitempty"`
}

// Report collects the results of a scenario run.
type Report struct {
	Name    string       `yaml:"name"`
	Profile string       `yaml:"profile"`
	Steps   []StepResult `yaml:"steps"`
}

// Failures returns the number of failed steps.
func (r *Report) Failures() int {
	n := 0
	for _, s := range r.Steps {
		if s.Failed {
			n++
		}
	}
	return n
}

// HostFactory creates the host counter provider for a vCPU on profile.
type HostFactory func(profile platform.Profile) (perf.Host, error)

// SoftHostFactory returns software hosts described by the profile.
func SoftHostFactory(profile platform.Profile) (perf.Host, error) {
	return perf.NewSoftHost(profile.HWCounters, profile.HPMWidth, profile.HostCounters), nil
}

// Runner executes scenarios.
type Runner struct {
	Profile platform.Profile
	NewHost HostFactory
	Logger  *slog.Logger
}

// Run executes s on a fresh vCPU. Failed expectations are recorded in the
// report; an error means the scenario could not be run.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Report, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("scenario", s.Name)

	profile := r.Profile
	if s.Profile != nil {
		profile = *s.Profile
	}
	profile, err := platform.Normalize(profile)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}

	// Host counters may count the creating thread, so the vCPU stays on it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	newHost := r.NewHost
	if newHost == nil {
		newHost = SoftHostFactory
	}
	host, err := newHost(profile)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: create host: %w", s.Name, err)
	}

	v, err := vcpu.New(vcpu.Config{Profile: profile, Host: host, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	defer v.Close()

	report := &Report{Name: s.Name, Profile: profile.Name}
	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := r.runStep(v, host, step, profile.XLEN)
		if err != nil {
			return report, fmt.Errorf("scenario %q: step %d (%s): %w", s.Name, i, step, err)
		}
		res.Index = i
		res.Step = step.String()
		if !res.Skipped {
			res.check(step.Expect)
		}

		if res.Failed {
			logger.Warn("scenario: step failed", "step", i, "desc", res.Step, "message", res.Message)
		} else {
			logger.Debug("scenario: step", "step", i, "desc", res.Step, "error", res.Error, "value", res.Value)
		}
		report.Steps = append(report.Steps, res)
	}
	return report, nil
}

func (r *Runner) runStep(v *vcpu.VCPU, host perf.Host, step Step, xlen int) (StepResult, error) {
	switch step.kind() {
	case "call":
		spec, ok := Calls[step.Call]
		if !ok {
			return StepResult{}, fmt.Errorf("unknown call %q", step.Call)
		}
		res, err := v.Call(spec.ext, spec.fid, spec.args(step, xlen))
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Error: res.Error, Value: res.Value}, nil

	case "fw_event":
		code, err := firmwareEvent(step.FWEvent)
		if err != nil {
			return StepResult{}, err
		}
		for range step.count() {
			if err := v.CountFirmwareEvent(code); err != nil {
				return StepResult{Failed: true, Message: err.Error()}, nil
			}
		}
		return StepResult{}, nil

	case "tick":
		soft, ok := host.(*perf.SoftHost)
		if !ok {
			return StepResult{Skipped: true, Message: "tick needs the software host"}, nil
		}
		soft.Tick(tickTypes[step.Tick.Type], step.Tick.Config, step.Tick.Count)
		return StepResult{}, nil

	case "csr":
		var wrMask uint64
		if step.Write {
			wrMask = ^uint64(0)
		}
		trap, err := v.HandleCSR(*step.CSR, csrDestination, step.Value, wrMask)
		if err != nil {
			return StepResult{}, err
		}
		regs := map[hv.Register]hv.RegisterValue{hv.RegisterRISCVX0 + csrDestination: nil}
		if err := v.GetRegisters(regs); err != nil {
			return StepResult{}, err
		}
		return StepResult{
			Trap:  trap.String(),
			Value: uint64(regs[hv.RegisterRISCVX0+csrDestination].(hv.Register64)),
		}, nil

	default:
		return StepResult{}, fmt.Errorf("empty step")
	}
}

func (res *StepResult) check(want *Expect) {
	if want == nil {
		return
	}
	switch {
	case want.Error != nil && res.Error != *want.Error:
		res.Failed = true
		res.Message = fmt.Sprintf("error %d, want %d", res.Error, *want.Error)
	case want.Trap != "" && res.Trap != want.Trap:
		res.Failed = true
		res.Message = fmt.Sprintf("trap %s, want %s", res.Trap, want.Trap)
	case want.Value != nil && res.Value != *want.Value:
		res.Failed = true
		res.Message = fmt.Sprintf("value 0x%x, want 0x%x", res.Value, *want.Value)
	}
}
