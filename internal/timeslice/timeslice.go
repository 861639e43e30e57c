// Package timeslice records the duration of guest exits handled by the vPMU
// to a compact binary log for later analysis.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

// kindsAlign pads the kind table so records start on a block boundary.
const kindsAlign = 4096

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

// SliceInfo describes a registered kind of timeslice.
type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagSBICall marks the handling of a guest ecall.
	SliceFlagSBICall SliceFlags = 1 << iota
	// SliceFlagCSRTrap marks the emulation of a trapped CSR access.
	SliceFlagCSRTrap
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagSBICall != 0 {
		flags = append(flags, "sbi")
	}
	if f&SliceFlagCSRTrap != 0 {
		flags = append(flags, "csr")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind registers a named kind of timeslice. Registering the same name
// again returns the existing ID.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	for id, info := range kinds {
		if info.Name == name {
			return id
		}
	}
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}
	w.writeThreadComplete <- nil
}

// Close flushes pending records and stops recording.
func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Recorder records consecutive timeslices measured from the previous call.
// It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record records the time since the previous Record (or NewRecorder) as id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record records a duration if recording is active.
func Record(id TimesliceID, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{ID: id, Duration: duration.Nanoseconds()}
	}
}

// StartRecording writes the kind table to w and records every following
// timeslice until the returned closer is closed. Only one recording may be
// active at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	off := binary.Size(header{}) + len(table)
	if pad := off % kindsAlign; pad != 0 {
		if _, err := w.Write(make([]byte, kindsAlign-pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()

	return wr, nil
}

// ReadAllRecords calls fn for every record in a log written by
// StartRecording.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	var table map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.KindsLength) + binary.Size(hdr)
	if pad := off % kindsAlign; pad != 0 {
		if _, err := buf.Discard(kindsAlign - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Stats aggregates the records of one kind.
type Stats struct {
	Name  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Stats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize aggregates a log per kind, sorted by name.
func Summarize(r io.Reader) ([]Stats, error) {
	byName := make(map[string]*Stats)
	err := ReadAllRecords(r, func(name string, flags SliceFlags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Stats{Name: name, Flags: flags, Min: d, Max: d}
			byName[name] = s
		}
		s.Count++
		s.Total += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ret := make([]Stats, 0, len(byName))
	for _, s := range byName {
		ret = append(ret, *s)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}
