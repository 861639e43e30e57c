package sbi

import "github.com/tinyrange/vpmu/internal/hv/riscv/pmu"

// SBI Base extension function IDs
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
	BaseProbeExtension = 3
	BaseGetMvendorID   = 4
	BaseGetMarchID     = 5
	BaseGetMimplID     = 6
)

func (d *Dispatcher) handleBase(call Call) (uint64, error) {
	switch call.FID {
	case BaseGetSpecVersion:
		return d.profile.SBISpecVersion(), nil

	case BaseGetImplID:
		return ImplID, nil

	case BaseGetImplVersion:
		return ImplVersion, nil

	case BaseProbeExtension:
		if d.Probe(call.Args[0]) {
			return 1, nil
		}
		return 0, nil

	case BaseGetMvendorID, BaseGetMarchID, BaseGetMimplID:
		return 0, nil

	default:
		return 0, errNotSupported
	}
}

// SBI Timer extension function IDs
const (
	TimerSetTimer = 0
)

func (d *Dispatcher) handleTimer(call Call) (uint64, error) {
	switch call.FID {
	case TimerSetTimer:
		d.countFirmwareEvent(pmu.FWSetTimer)
		return 0, nil
	default:
		return 0, errNotSupported
	}
}

// SBI IPI extension function IDs
const (
	IPISendIPI = 0
)

func (d *Dispatcher) handleIPI(call Call) (uint64, error) {
	switch call.FID {
	case IPISendIPI:
		d.countFirmwareEvent(pmu.FWIPISent)
		return 0, nil
	default:
		return 0, errNotSupported
	}
}

// SBI RFENCE extension function IDs
const (
	RFenceRemoteFenceI         = 0
	RFenceRemoteSfenceVMA      = 1
	RFenceRemoteSfenceVMAASID  = 2
	RFenceRemoteHfenceGVMAVMID = 3
	RFenceRemoteHfenceGVMA     = 4
	RFenceRemoteHfenceVVMAASID = 5
	RFenceRemoteHfenceVVMA     = 6
)

var rfenceEvents = map[uint64]uint32{
	RFenceRemoteFenceI:         pmu.FWFenceISent,
	RFenceRemoteSfenceVMA:      pmu.FWSfenceVMASent,
	RFenceRemoteSfenceVMAASID:  pmu.FWSfenceVMAASIDSent,
	RFenceRemoteHfenceGVMAVMID: pmu.FWHfenceGVMAVMIDSent,
	RFenceRemoteHfenceGVMA:     pmu.FWHfenceGVMASent,
	RFenceRemoteHfenceVVMAASID: pmu.FWHfenceVVMAASIDSent,
	RFenceRemoteHfenceVVMA:     pmu.FWHfenceVVMASent,
}

// Remote fences complete immediately; only the firmware event is accounted.
func (d *Dispatcher) handleRFence(call Call) (uint64, error) {
	code, ok := rfenceEvents[call.FID]
	if !ok {
		return 0, errNotSupported
	}
	d.countFirmwareEvent(code)
	return 0, nil
}
