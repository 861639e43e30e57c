package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vpmu/internal/hv/riscv/pmu"
	"github.com/tinyrange/vpmu/internal/hv/riscv/sbi"
	"github.com/tinyrange/vpmu/internal/hv/riscv/vcpu"
	"github.com/tinyrange/vpmu/internal/platform"
	"github.com/tinyrange/vpmu/internal/scenario"
	"github.com/tinyrange/vpmu/internal/timeslice"
)

var (
	tsCfgMatch = timeslice.RegisterKind("pmu::cfg_match", timeslice.SliceFlagSBICall)
	tsStart    = timeslice.RegisterKind("pmu::start", timeslice.SliceFlagSBICall)
	tsCSRRead  = timeslice.RegisterKind("pmu::csr_read", timeslice.SliceFlagCSRTrap)
	tsStop     = timeslice.RegisterKind("pmu::stop", timeslice.SliceFlagSBICall)
)

// benchDestination receives the counter CSR reads (t0).
const benchDestination = 5

func benchCall(v *vcpu.VCPU, fid uint64, args [6]uint64) (uint64, error) {
	res, err := v.Call(sbi.ExtPMU, fid, args)
	if err != nil {
		return 0, err
	}
	if res.Error != sbi.Success {
		return 0, fmt.Errorf("pmu call %d failed: %s", fid, res)
	}
	return res.Value, nil
}

// benchCycle configures a programmable counter, starts it, reads it
// through the CSR trap path and releases it.
func benchCycle(v *vcpu.VCPU, mask uint64, event pmu.EventID) error {
	rec := timeslice.NewRecorder()

	idx, err := benchCall(v, sbi.PMUCounterCfgMatch, [6]uint64{0, mask, 0, uint64(event)})
	if err != nil {
		return err
	}
	rec.Record(tsCfgMatch)

	if _, err := benchCall(v, sbi.PMUCounterStart, [6]uint64{idx, 1, pmu.StartFlagSetInitValue}); err != nil {
		return err
	}
	rec.Record(tsStart)

	trap, err := v.HandleCSR(pmu.CSRCycle+uint16(idx), benchDestination, 0, 0)
	if err != nil {
		return err
	}
	if trap != pmu.TrapContinue {
		return fmt.Errorf("counter %d read: %s", idx, trap)
	}
	rec.Record(tsCSRRead)

	if _, err := benchCall(v, sbi.PMUCounterStop, [6]uint64{idx, 1, pmu.StopFlagReset}); err != nil {
		return err
	}
	rec.Record(tsStop)
	return nil
}

func runBench(ctx context.Context, profile platform.Profile, newHost scenario.HostFactory, n int, tsFile string) error {
	profile, err := platform.Normalize(profile)
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	host, err := newHost(profile)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	v, err := vcpu.New(vcpu.Config{Profile: profile, Host: host, Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer v.Close()

	p := v.PMU()
	if p == nil {
		return fmt.Errorf("PMU not available with profile %q", profile.Name)
	}

	var (
		buf bytes.Buffer
		out io.Writer = &buf
	)
	if tsFile != "" {
		f, err := os.Create(tsFile)
		if err != nil {
			return fmt.Errorf("create tsfile: %w", err)
		}
		defer f.Close()
		out = f
	}

	recording, err := timeslice.StartRecording(out)
	if err != nil {
		return err
	}

	mask := uint64(1)<<uint(p.HardwareCounters()) - 1
	event := pmu.MakeEvent(pmu.EventTypeHardware, pmu.HWBranchMisses)

	pb := progressbar.Default(int64(n), "dispatch")
	start := time.Now()
	for range n {
		if err := ctx.Err(); err != nil {
			recording.Close()
			return err
		}
		if err := benchCycle(v, mask, event); err != nil {
			recording.Close()
			return err
		}
		pb.Add(1)
	}
	elapsed := time.Since(start)
	pb.Close()

	if err := recording.Close(); err != nil {
		return err
	}

	var r io.Reader = bytes.NewReader(buf.Bytes())
	if tsFile != "" {
		f, err := os.Open(tsFile)
		if err != nil {
			return fmt.Errorf("open tsfile: %w", err)
		}
		defer f.Close()
		r = f
	}
	stats, err := timeslice.Summarize(r)
	if err != nil {
		return err
	}

	fmt.Printf("%d cycles in %s (%.0f cycles/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
	for _, s := range stats {
		fmt.Printf("  %-16s %-4s n=%-8d mean=%-10s min=%-10s max=%s\n",
			s.Name, s.Flags, s.Count, s.Mean(), s.Min, s.Max)
	}
	return nil
}
