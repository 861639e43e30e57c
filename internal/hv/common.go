package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVCPUClosed            = errors.New("virtual CPU closed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureRISCV32 CpuArchitecture = "riscv32"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ArchitectureForXLEN returns the RISC-V architecture with the given register width.
func ArchitectureForXLEN(xlen int) CpuArchitecture {
	switch xlen {
	case 32:
		return ArchitectureRISCV32
	case 64:
		return ArchitectureRISCV64
	default:
		return ArchitectureInvalid
	}
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// RISC-V General-Purpose Registers
	RegisterRISCVX0
	RegisterRISCVX1
	RegisterRISCVX2
	RegisterRISCVX3
	RegisterRISCVX4
	RegisterRISCVX5
	RegisterRISCVX6
	RegisterRISCVX7
	RegisterRISCVX8
	RegisterRISCVX9
	RegisterRISCVX10
	RegisterRISCVX11
	RegisterRISCVX12
	RegisterRISCVX13
	RegisterRISCVX14
	RegisterRISCVX15
	RegisterRISCVX16
	RegisterRISCVX17
	RegisterRISCVX18
	RegisterRISCVX19
	RegisterRISCVX20
	RegisterRISCVX21
	RegisterRISCVX22
	RegisterRISCVX23
	RegisterRISCVX24
	RegisterRISCVX25
	RegisterRISCVX26
	RegisterRISCVX27
	RegisterRISCVX28
	RegisterRISCVX29
	RegisterRISCVX30
	RegisterRISCVX31
	RegisterRISCVPc

	// RISC-V Supervisor CSRs visible to the trap path
	RegisterRISCVSepc
)

// ABI names for the argument registers used by the SBI calling convention.
const (
	RegisterRISCVA0 = RegisterRISCVX10
	RegisterRISCVA1 = RegisterRISCVX11
	RegisterRISCVA2 = RegisterRISCVX12
	RegisterRISCVA3 = RegisterRISCVX13
	RegisterRISCVA4 = RegisterRISCVX14
	RegisterRISCVA5 = RegisterRISCVX15
	RegisterRISCVA6 = RegisterRISCVX16
	RegisterRISCVA7 = RegisterRISCVX17
)

func (r Register) String() string {
	switch {
	case r >= RegisterRISCVX0 && r <= RegisterRISCVX31:
		return fmt.Sprintf("x%d", int(r-RegisterRISCVX0))
	case r == RegisterRISCVPc:
		return "pc"
	case r == RegisterRISCVSepc:
		return "sepc"
	default:
		return fmt.Sprintf("Register(%d)", uint64(r))
	}
}

// VirtualCPU is the register-level view of a guest hart that trap handlers
// operate on.
type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
}
