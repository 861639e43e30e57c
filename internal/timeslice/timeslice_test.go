package timeslice

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("pmu::cfg_match", SliceFlagSBICall)
	timesliceB = RegisterKind("pmu::csr_read", SliceFlagCSRTrap)
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	func() {
		writer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer writer.Close()

		Record(timesliceA, 100*time.Millisecond)
		Record(timesliceB, 200*time.Millisecond)
	}()

	var seen []string
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, duration time.Duration) error {
		seen = append(seen, name+"/"+flags.String())
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 2 || seen[0] != "pmu::cfg_match/sbi" || seen[1] != "pmu::csr_read/csr" {
		t.Fatalf("records %v", seen)
	}
}

func TestRegisterKindIsIdempotent(t *testing.T) {
	if id := RegisterKind("pmu::cfg_match", 0); id != timesliceA {
		t.Fatalf("RegisterKind returned %d, want %d", id, timesliceA)
	}
}

func TestRecordWithoutRecording(t *testing.T) {
	// Dropped silently.
	Record(timesliceA, time.Second)
	NewRecorder().Record(timesliceB)
}

func TestSingleRecording(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := StartRecording(&bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for second recording")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatalf("expected error for second Close")
	}
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	for _, d := range []time.Duration{10, 30, 20} {
		Record(timesliceB, d*time.Microsecond)
	}
	Record(timesliceA, 5*time.Microsecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats, err := Summarize(&buf)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("%d kinds, want 2", len(stats))
	}
	csr := stats[1]
	if csr.Name != "pmu::csr_read" || csr.Count != 3 || csr.Min != 10*time.Microsecond ||
		csr.Max != 30*time.Microsecond || csr.Mean() != 20*time.Microsecond {
		t.Fatalf("csr stats %+v", csr)
	}
	if stats[0].Name != "pmu::cfg_match" || stats[0].Count != 1 {
		t.Fatalf("cfg_match stats %+v", stats[0])
	}
}

func TestReadAllRecordsRejectsGarbage(t *testing.T) {
	if err := ReadAllRecords(bytes.NewReader(make([]byte, 64)), func(string, SliceFlags, time.Duration) error { return nil }); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func BenchmarkTimesliceTempFile(b *testing.B) {
	tmpfile := filepath.Join(b.TempDir(), "timeslice.log")

	var count uint64
	func() {
		f, err := os.Create(tmpfile)
		if err != nil {
			b.Fatalf("Create: %v", err)
		}
		defer f.Close()

		writer, err := StartRecording(f)
		if err != nil {
			b.Fatalf("StartRecording: %v", err)
		}
		defer writer.Close()

		b.ResetTimer()
		for b.Loop() {
			Record(timesliceA, 100*time.Nanosecond)
			Record(timesliceB, 200*time.Nanosecond)
			atomic.AddUint64(&count, 2)
		}
	}()
	b.StopTimer()

	r, err := os.Open(tmpfile)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer r.Close()

	stats, err := Summarize(r)
	if err != nil {
		b.Fatalf("Summarize: %v", err)
	}
	var seen uint64
	for _, s := range stats {
		seen += uint64(s.Count)
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}
