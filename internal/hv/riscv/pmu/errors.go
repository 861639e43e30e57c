package pmu

import "errors"

var (
	// ErrInvalidArgument reports a malformed counter index, range or flag
	// from the guest.
	ErrInvalidArgument = errors.New("pmu: invalid argument")
	// ErrNotSupported reports that no counter or host resource can serve
	// the request. Guests are expected to fall back.
	ErrNotSupported = errors.New("pmu: not supported")
	// ErrInvalidState is returned when an operation reaches a vCPU without
	// an initialized counter registry.
	ErrInvalidState = errors.New("pmu: counter registry not initialized")
	// ErrCapabilityUnavailable is returned by New when the host cannot
	// describe its counters.
	ErrCapabilityUnavailable = errors.New("pmu: host counter capability unavailable")
)

// TrapResult tells the trap handler how to resume after an emulated CSR
// access.
type TrapResult int

const (
	// TrapContinue resumes the guest after the trapping instruction.
	TrapContinue TrapResult = iota
	// TrapIllegal injects an illegal instruction exception into the guest.
	TrapIllegal
	// TrapExitToUser hands the access to the userspace VMM.
	TrapExitToUser
)

func (r TrapResult) String() string {
	switch r {
	case TrapContinue:
		return "continue"
	case TrapIllegal:
		return "illegal-instruction"
	case TrapExitToUser:
		return "exit-to-user"
	default:
		return "unknown"
	}
}
