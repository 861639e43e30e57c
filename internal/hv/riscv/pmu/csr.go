package pmu

// numCounterCSRs is the number of cycle/time/instret/hpmcounter CSRs.
const numCounterCSRs = 32

// CSRHandler emulates a trapped CSR access. wrMask is non-zero when the
// guest instruction writes the CSR.
type CSRHandler func(p *PMU, csr uint16, newVal, wrMask uint64) (uint64, TrapResult)

// CSRRange routes a contiguous block of CSRs to a handler.
type CSRRange struct {
	Base    uint16
	Count   uint16
	Handler CSRHandler
}

func (r CSRRange) Contains(csr uint16) bool {
	return csr >= r.Base && csr < r.Base+r.Count
}

// CSRRanges returns the counter CSR blocks the PMU emulates for a guest
// with the given register width. RV32 guests also read the upper halves
// through the cycleh block.
func CSRRanges(xlen int) []CSRRange {
	ranges := []CSRRange{
		{Base: CSRCycle, Count: numCounterCSRs, Handler: (*PMU).ReadHPM},
	}
	if xlen == 32 {
		ranges = append(ranges, CSRRange{Base: CSRCycleH, Count: numCounterCSRs, Handler: (*PMU).ReadHPM})
	}
	return ranges
}

// ReadHPM emulates a guest read of a counter CSR. Writes are illegal.
// Counters that cannot be read are handed to userspace.
func (p *PMU) ReadHPM(csr uint16, newVal, wrMask uint64) (uint64, TrapResult) {
	if p == nil {
		return 0, TrapExitToUser
	}
	if wrMask != 0 {
		return 0, TrapIllegal
	}

	var idx uint16
	high := false
	switch {
	case csr >= CSRCycle && csr < CSRCycle+numCounterCSRs:
		idx = csr - CSRCycle
	case p.xlen == 32 && csr >= CSRCycleH && csr < CSRCycleH+numCounterCSRs:
		idx = csr - CSRCycleH
		high = true
	default:
		return 0, TrapExitToUser
	}

	val, err := p.Read(uint64(idx))
	if err != nil {
		p.log.Debug("pmu: counter CSR read not emulated", "csr", csr, "error", err)
		return 0, TrapExitToUser
	}

	switch {
	case high:
		val >>= 32
	case p.xlen == 32:
		val &= 0xffffffff
	}
	return val, TrapContinue
}
