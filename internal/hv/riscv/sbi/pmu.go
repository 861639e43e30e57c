package sbi

import "github.com/tinyrange/vpmu/internal/hv/riscv/pmu"

// SBI PMU extension function IDs
const (
	PMUNumCounters       = 0
	PMUCounterGetInfo    = 1
	PMUCounterCfgMatch   = 2
	PMUCounterStart      = 3
	PMUCounterStop       = 4
	PMUCounterFWRead     = 5
	PMUCounterFWReadHigh = 6
)

// The PMU extension is only offered with privilege mode filtering; without
// it guests would also count while the hypervisor runs.
func probePMU(d *Dispatcher) bool {
	return d.profile.PMUAvailable()
}

// wide assembles a 64-bit argument that RV32 guests split across two
// registers.
func (d *Dispatcher) wide(args [6]uint64, lo, hi int) uint64 {
	if d.xlen() == 32 {
		return args[hi]<<32 | args[lo]&0xffffffff
	}
	return args[lo]
}

func (d *Dispatcher) handlePMU(call Call) (uint64, error) {
	a := call.Args

	switch call.FID {
	case PMUNumCounters:
		n, err := d.pmu.NumCounters()
		return uint64(n), err

	case PMUCounterGetInfo:
		info, err := d.pmu.CounterInfo(a[0])
		if err != nil {
			return 0, err
		}
		return info.Encode(d.xlen()), nil

	case PMUCounterCfgMatch:
		idx, err := d.pmu.ConfigMatch(a[0], a[1], a[2], pmu.EventID(a[3]), d.wide(a, 4, 5))
		if err != nil {
			return 0, err
		}
		return uint64(idx), nil

	case PMUCounterStart:
		return 0, d.pmu.Start(a[0], a[1], a[2], d.wide(a, 3, 4))

	case PMUCounterStop:
		return 0, d.pmu.Stop(a[0], a[1], a[2])

	case PMUCounterFWRead:
		v, err := d.pmu.Read(a[0])
		if err != nil {
			return 0, err
		}
		if d.xlen() == 32 {
			v &= 0xffffffff
		}
		return v, nil

	case PMUCounterFWReadHigh:
		v, err := d.pmu.Read(a[0])
		if err != nil {
			return 0, err
		}
		if d.xlen() == 32 {
			return v >> 32, nil
		}
		return 0, nil

	default:
		return 0, errNotSupported
	}
}
