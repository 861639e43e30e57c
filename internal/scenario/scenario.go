// Package scenario runs YAML-described guest call scripts against a vCPU.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/vpmu/internal/hv/riscv/pmu"
	"github.com/tinyrange/vpmu/internal/perf"
	"github.com/tinyrange/vpmu/internal/platform"
	"gopkg.in/yaml.v3"
)

// Scenario is a named list of steps run on a fresh vCPU.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Profile overrides the platform the runner was configured with.
	Profile *platform.Profile `yaml:"profile,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is one guest action. Exactly one of Call, FWEvent, Tick and CSR is
// set.
type Step struct {
	// Call names an SBI call, see Calls.
	Call  string `yaml:"call,omitempty"`
	Base  uint64 `yaml:"base,omitempty"`
	Mask  uint64 `yaml:"mask,omitempty"`
	Flags uint64 `yaml:"flags,omitempty"`
	Index uint64 `yaml:"index,omitempty"`
	Event Event  `yaml:"event,omitempty"`
	Data  uint64 `yaml:"data,omitempty"`
	Value uint64 `yaml:"value,omitempty"`
	// Ext is the extension probed by the probe call.
	Ext uint64 `yaml:"ext,omitempty"`

	// FWEvent raises a firmware event from the trap path Count times.
	FWEvent string `yaml:"fw_event,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// Tick advances the software host's counters.
	Tick *Tick `yaml:"tick,omitempty"`

	// CSR is a trapped counter CSR access, a write when Write is set.
	CSR   *uint16 `yaml:"csr,omitempty"`
	Write bool    `yaml:"write,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Tick adds Count events of the given host type and config.
type Tick struct {
	Type   string `yaml:"type"`
	Config uint64 `yaml:"config"`
	Count  uint64 `yaml:"count"`
}

// Expect lists the outcomes a step is checked against. Unset fields are not
// checked.
type Expect struct {
	Error *int64  `yaml:"error,omitempty"`
	Value *uint64 `yaml:"value,omitempty"`
	// Trap is the CSR trap result: continue, illegal-instruction or
	// exit-to-user.
	Trap string `yaml:"trap,omitempty"`
}

// Event is an event index written either as a number or by name, e.g.
// "hw.cpu_cycles" or "cache.l1d.read.miss".
type Event pmu.EventID

func (e *Event) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: event must be a scalar", node.Line)
	}
	id, err := pmu.ParseEvent(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*e = Event(id)
	return nil
}

func (e Event) MarshalYAML() (any, error) {
	return pmu.EventID(e).String(), nil
}

func (s Step) kind() string {
	switch {
	case s.Call != "":
		return "call"
	case s.FWEvent != "":
		return "fw_event"
	case s.Tick != nil:
		return "tick"
	case s.CSR != nil:
		return "csr"
	default:
		return ""
	}
}

// String describes the step for reports.
func (s Step) String() string {
	switch s.kind() {
	case "call":
		switch s.Call {
		case "cfg_match":
			return fmt.Sprintf("cfg_match base=%d mask=0x%x flags=0x%x event=%s", s.Base, s.Mask, s.Flags, pmu.EventID(s.Event))
		case "start":
			return fmt.Sprintf("start base=%d mask=0x%x flags=0x%x value=0x%x", s.Base, s.Mask, s.Flags, s.Value)
		case "stop":
			return fmt.Sprintf("stop base=%d mask=0x%x flags=0x%x", s.Base, s.Mask, s.Flags)
		case "counter_info", "fw_read", "fw_read_hi":
			return fmt.Sprintf("%s index=%d", s.Call, s.Index)
		default:
			return s.Call
		}
	case "fw_event":
		return fmt.Sprintf("fw_event %s x%d", s.FWEvent, s.count())
	case "tick":
		return fmt.Sprintf("tick %s:0x%x +%d", s.Tick.Type, s.Tick.Config, s.Tick.Count)
	case "csr":
		if s.Write {
			return fmt.Sprintf("csrw 0x%x", *s.CSR)
		}
		return fmt.Sprintf("csrr 0x%x", *s.CSR)
	default:
		return "empty"
	}
}

func (s Step) count() int {
	if s.Count <= 0 {
		return 1
	}
	return s.Count
}

var tickTypes = map[string]perf.Type{
	"hardware": perf.TypeHardware,
	"software": perf.TypeSoftware,
	"hw-cache": perf.TypeHWCache,
	"raw":      perf.TypeRaw,
}

// firmwareEvent resolves "set_timer" or "fw.set_timer".
func firmwareEvent(name string) (uint32, error) {
	if !strings.HasPrefix(name, "fw.") {
		name = "fw." + name
	}
	id, err := pmu.ParseEvent(name)
	if err != nil {
		return 0, err
	}
	return id.Code(), nil
}

// Validate checks every step for a known kind and arguments.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q: no steps", s.Name)
	}
	for i, step := range s.Steps {
		n := 0
		for _, set := range []bool{step.Call != "", step.FWEvent != "", step.Tick != nil, step.CSR != nil} {
			if set {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("scenario %q: step %d: exactly one of call, fw_event, tick and csr must be set", s.Name, i)
		}

		switch step.kind() {
		case "call":
			if _, ok := Calls[step.Call]; !ok {
				return fmt.Errorf("scenario %q: step %d: unknown call %q", s.Name, i, step.Call)
			}
		case "fw_event":
			if _, err := firmwareEvent(step.FWEvent); err != nil {
				return fmt.Errorf("scenario %q: step %d: %w", s.Name, i, err)
			}
		case "tick":
			if _, ok := tickTypes[step.Tick.Type]; !ok {
				return fmt.Errorf("scenario %q: step %d: unknown tick type %q", s.Name, i, step.Tick.Type)
			}
		}
	}
	if s.Profile != nil {
		p, err := platform.Normalize(*s.Profile)
		if err != nil {
			return fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		s.Profile = &p
	}
	return nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("scenario: parse: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a scenario file. The name defaults to the path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}
