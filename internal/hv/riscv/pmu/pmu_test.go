package pmu

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/tinyrange/vpmu/internal/perf"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestPMU(t *testing.T, numHW, width, numFW int) (*PMU, *perf.SoftHost) {
	t.Helper()
	host := perf.NewSoftHost(numHW, width, 0)
	p, err := New(host, Config{MaxFirmwareCounters: numFW, Logger: discardLogger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, host
}

func TestNewLayout(t *testing.T) {
	p, _ := newTestPMU(t, 4, 47, 2)

	n, err := p.NumCounters()
	if err != nil || n != 6 {
		t.Fatalf("NumCounters = %d, %v; want 6", n, err)
	}

	tests := []struct {
		idx   uint64
		csr   uint16
		width int
		kind  Kind
	}{
		{0, 0xc00, 63, KindHardware},
		{2, 0xc02, 63, KindHardware},
		{3, 0xc03, 47, KindHardware},
		{4, 0, 63, KindFirmware},
		{5, 0, 63, KindFirmware},
	}
	for _, tt := range tests {
		info, err := p.CounterInfo(tt.idx)
		if err != nil {
			t.Fatalf("CounterInfo(%d): %v", tt.idx, err)
		}
		if info.CSR != tt.csr || info.Width != tt.width || info.Kind != tt.kind {
			t.Errorf("CounterInfo(%d) = %+v, want csr=0x%x width=%d kind=%s", tt.idx, info, tt.csr, tt.width, tt.kind)
		}
	}
}

func TestCounterInfoRejectsReservedAndOutOfRange(t *testing.T) {
	p, _ := newTestPMU(t, 4, 47, 2)

	for _, idx := range []uint64{1, 6, 64, 1 << 40} {
		if _, err := p.CounterInfo(idx); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("CounterInfo(%d): expected ErrInvalidArgument, got %v", idx, err)
		}
	}
}

func TestCounterInfoEncode(t *testing.T) {
	tests := []struct {
		info CounterInfo
		xlen int
		want uint64
	}{
		{CounterInfo{CSR: 0xc03, Width: 47, Kind: KindHardware}, 64, 0xc03 | 47<<12},
		{CounterInfo{CSR: 0xc00, Width: 63, Kind: KindHardware}, 64, 0xc00 | 63<<12},
		{CounterInfo{Width: 63, Kind: KindFirmware}, 64, 63<<12 | 1<<63},
		{CounterInfo{Width: 31, Kind: KindFirmware}, 32, 31<<12 | 1<<31},
	}
	for _, tt := range tests {
		if got := tt.info.Encode(tt.xlen); got != tt.want {
			t.Errorf("Encode(%+v, %d) = 0x%x, want 0x%x", tt.info, tt.xlen, got, tt.want)
		}
	}
}

func TestNewFailsWithoutWidth(t *testing.T) {
	_, err := New(perf.NewSoftHost(4, 0, 0), Config{Logger: discardLogger})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestNewRejectsBadHost(t *testing.T) {
	if _, err := New(perf.NewSoftHost(2, 47, 0), Config{Logger: discardLogger}); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable for 2 counters, got %v", err)
	}
	if _, err := New(nil, Config{Logger: discardLogger}); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable for nil host, got %v", err)
	}
	if _, err := New(perf.NewSoftHost(4, 47, 0), Config{XLEN: 16, Logger: discardLogger}); err == nil {
		t.Fatalf("expected error for xlen 16")
	}
}

func TestFirmwareCounterBudget(t *testing.T) {
	tests := []struct {
		numHW, maxFW int
		wantFW       int
	}{
		{19, 0, 32},
		{40, 0, 24},
		{64, 0, 0},
		{8, 4, 4},
		{8, -1, 0},
	}
	for _, tt := range tests {
		p, err := New(perf.NewSoftHost(tt.numHW, 47, 0), Config{MaxFirmwareCounters: tt.maxFW, Logger: discardLogger})
		if err != nil {
			t.Fatalf("New(%d, %d): %v", tt.numHW, tt.maxFW, err)
		}
		if p.FirmwareCounters() != tt.wantFW {
			t.Errorf("New(%d, %d): %d firmware counters, want %d", tt.numHW, tt.maxFW, p.FirmwareCounters(), tt.wantFW)
		}
		if n, _ := p.NumCounters(); n > MaxCounters {
			t.Errorf("New(%d, %d): %d counters exceed cap", tt.numHW, tt.maxFW, n)
		}
	}
}

func TestFirmwareWidthFollowsXLEN(t *testing.T) {
	p, err := New(perf.NewSoftHost(4, 39, 0), Config{XLEN: 32, MaxFirmwareCounters: 1, Logger: discardLogger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := p.CounterInfo(4)
	if err != nil {
		t.Fatalf("CounterInfo: %v", err)
	}
	if info.Kind != KindFirmware || info.Width != 31 {
		t.Fatalf("firmware counter info %+v, want width 31", info)
	}
}

func TestDeinitIsIdempotent(t *testing.T) {
	p, host := newTestPMU(t, 4, 47, 2)

	if _, err := p.ConfigMatch(0, 0xf, CfgFlagAutoStart, MakeEvent(EventTypeHardware, HWCPUCycles), 0); err != nil {
		t.Fatalf("ConfigMatch cycles: %v", err)
	}
	if _, err := p.ConfigMatch(0, 0xf, 0, MakeEvent(EventTypeRaw, 0), 0x1234); err != nil {
		t.Fatalf("ConfigMatch raw: %v", err)
	}
	fwIdx, err := p.ConfigMatch(4, 0x3, CfgFlagAutoStart, MakeEvent(EventTypeFirmware, FWSetTimer), 0)
	if err != nil {
		t.Fatalf("ConfigMatch fw: %v", err)
	}
	p.IncrementFirmwareEvent(FWSetTimer)
	host.Tick(perf.TypeHardware, perf.HWCPUCycles, 10)
	if _, err := p.Read(0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if host.Live() != 2 {
		t.Fatalf("Live = %d, want 2", host.Live())
	}

	p.Deinit()
	first := p.Counters()
	p.Deinit()
	second := p.Counters()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second Deinit changed state:\n%+v\n%+v", first, second)
	}
	for _, c := range first {
		if c.State != StateUnbound || c.Value != 0 || c.Event != EventInvalid || c.HostBacked {
			t.Errorf("counter %d not reset: %+v", c.Index, c)
		}
	}
	if host.Live() != 0 {
		t.Fatalf("Live = %d after Deinit, want 0", host.Live())
	}
	if v, started, _ := p.FirmwareEvent(FWSetTimer); v != 0 || started {
		t.Fatalf("firmware event not cleared: value=%d started=%v", v, started)
	}
	if _, err := p.Read(uint64(fwIdx)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Read after Deinit: expected ErrInvalidArgument, got %v", err)
	}

	// Slots can be allocated again after a reset.
	p.Reset()
	if idx, err := p.ConfigMatch(0, 0xf, 0, MakeEvent(EventTypeRaw, 0), 1); err != nil || idx != 3 {
		t.Fatalf("ConfigMatch after reset = %d, %v; want 3", idx, err)
	}
}

func TestNilPMU(t *testing.T) {
	var p *PMU

	if _, err := p.NumCounters(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("NumCounters: %v", err)
	}
	if _, err := p.CounterInfo(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CounterInfo: %v", err)
	}
	if _, err := p.ConfigMatch(0, 1, 0, 0, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ConfigMatch: %v", err)
	}
	if err := p.Start(0, 1, 0, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start: %v", err)
	}
	if err := p.Stop(0, 1, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop: %v", err)
	}
	if _, err := p.Read(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Read: %v", err)
	}
	if err := p.IncrementFirmwareEvent(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("IncrementFirmwareEvent: %v", err)
	}
	if _, res := p.ReadHPM(CSRCycle, 0, 0); res != TrapExitToUser {
		t.Errorf("ReadHPM: %s", res)
	}
	p.Deinit()
}

func TestWidthMask(t *testing.T) {
	tests := []struct {
		width uint8
		want  uint64
	}{
		{63, ^uint64(0)},
		{47, 1<<48 - 1},
		{31, 1<<32 - 1},
		{0, 1},
	}
	for _, tt := range tests {
		if got := widthMask(tt.width); got != tt.want {
			t.Errorf("widthMask(%d) = 0x%x, want 0x%x", tt.width, got, tt.want)
		}
	}
}

func TestSamplePeriodNeverZero(t *testing.T) {
	tests := []struct {
		width uint8
		value uint64
		want  uint64
	}{
		{47, 0, 1<<48 - 1},
		{47, 100, 100},
		{47, 1<<48 | 5, 5},
		{47, 1 << 48, 1<<48 - 1},
		{63, 0, ^uint64(0)},
	}
	for _, tt := range tests {
		c := counter{width: tt.width, value: tt.value}
		if got := c.samplePeriod(); got != tt.want {
			t.Errorf("samplePeriod(width=%d, value=0x%x) = 0x%x, want 0x%x", tt.width, tt.value, got, tt.want)
		}
	}
}
