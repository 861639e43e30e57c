// Package platform describes the counter capabilities of the host a guest
// runs on.
package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxFirmwareCounters is the firmware counter budget per vCPU.
	DefaultMaxFirmwareCounters = 32
	// MaxCounters is the hard cap on virtual counters per vCPU.
	MaxCounters = 64

	// MinPMUSBIVersion is the first SBI specification with the PMU extension.
	MinPMUSBIVersion = "v0.3"

	DefaultSBIVersion = "v1.0"

	// NoFirmwareCounters as MaxFirmwareCounters disables firmware counters.
	NoFirmwareCounters = -1
)

// Profile is a platform description, usually loaded from YAML.
type Profile struct {
	Name string `yaml:"name,omitempty"`

	// XLEN is the guest register width, 32 or 64.
	XLEN int `yaml:"xlen,omitempty"`

	// HWCounters is the number of hardware counters including the fixed
	// cycle, time and instret slots.
	HWCounters int `yaml:"hwCounters"`
	// HPMWidth is the width of the programmable counters in bits. Zero
	// means the host cannot report it.
	HPMWidth int `yaml:"hpmWidth"`

	// MaxFirmwareCounters is the firmware counter budget. Zero means
	// DefaultMaxFirmwareCounters and -1 disables firmware counters.
	MaxFirmwareCounters int `yaml:"maxFirmwareCounters,omitempty"`

	// Sscofpmf reports privilege mode filtering support. Without it the
	// PMU extension is hidden from guests.
	Sscofpmf bool `yaml:"sscofpmf"`

	SBIVersion string `yaml:"sbiVersion,omitempty"`

	// HostCounters limits live counters in the software host. Zero means
	// unlimited.
	HostCounters int `yaml:"hostCounters,omitempty"`
}

// Default returns the profile of a typical RV64 platform with
// privilege-mode filtering.
func Default() Profile {
	p := Profile{
		Name:       "default",
		HWCounters: 19,
		HPMWidth:   47,
		Sscofpmf:   true,
	}
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if p.XLEN == 0 {
		p.XLEN = 64
	}
	if p.MaxFirmwareCounters == 0 {
		p.MaxFirmwareCounters = DefaultMaxFirmwareCounters
	}
	if p.SBIVersion == "" {
		p.SBIVersion = DefaultSBIVersion
	}
}

// Validate checks the profile for values no host could report.
func (p Profile) Validate() error {
	if p.XLEN != 32 && p.XLEN != 64 {
		return fmt.Errorf("platform: xlen must be 32 or 64 (got %d)", p.XLEN)
	}
	if p.HWCounters < 3 || p.HWCounters > MaxCounters {
		return fmt.Errorf("platform: hwCounters must be in [3, %d] (got %d)", MaxCounters, p.HWCounters)
	}
	if p.HPMWidth < 0 || p.HPMWidth > 63 {
		return fmt.Errorf("platform: hpmWidth must be in [0, 63] (got %d)", p.HPMWidth)
	}
	if p.MaxFirmwareCounters < NoFirmwareCounters {
		return fmt.Errorf("platform: maxFirmwareCounters must be %d or more (got %d)", NoFirmwareCounters, p.MaxFirmwareCounters)
	}
	if !semver.IsValid(p.SBIVersion) {
		return fmt.Errorf("platform: invalid sbiVersion %q", p.SBIVersion)
	}
	return nil
}

// PMUAvailable reports whether the SBI PMU extension may be offered to
// guests on this platform.
func (p Profile) PMUAvailable() bool {
	return p.Sscofpmf && semver.IsValid(p.SBIVersion) &&
		semver.Compare(p.SBIVersion, MinPMUSBIVersion) >= 0
}

// SBISpecVersion returns the SBI GET_SPEC_VERSION encoding of the profile's
// SBI version: major in bits [30:24], minor in bits [23:0].
func (p Profile) SBISpecVersion() uint64 {
	v := p.SBIVersion
	if !semver.IsValid(v) {
		v = DefaultSBIVersion
	}
	majorStr, minorStr, _ := strings.Cut(strings.TrimPrefix(semver.MajorMinor(v), "v"), ".")
	major, err := strconv.ParseUint(majorStr, 10, 64)
	if err != nil {
		return 0
	}
	minor, err := strconv.ParseUint(minorStr, 10, 64)
	if err != nil {
		return 0
	}
	return (major&0x7f)<<24 | (minor & 0xffffff)
}

// Parse decodes and validates a YAML profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("platform: parse profile: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Load reads a YAML profile from path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("platform: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = path
	}
	return p, nil
}

// Normalize fills defaults in a profile built in code and validates it.
func Normalize(p Profile) (Profile, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
