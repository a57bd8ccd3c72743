// Package abi describes the two x86-64 calling conventions the emitter
// marshals call arguments for: System-V AMD64 and Windows x64. See
// spec.md §4.B.
package abi

import (
	"errors"
	"runtime"

	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Profile selects which of the two supported ABIs is in effect for a
// compile. There is no spill-to-stack path in this core: exceeding the
// per-profile register count is a fatal compile error (errTooManyArgs),
// not a silent fallback.
type Profile int

const (
	SysV Profile = iota
	Win64
)

// errTooManyArgs is returned by IntArg/FloatArg when an index exceeds the
// profile's register count.
var errTooManyArgs = errors.New("abi: too many arguments for target calling convention")

// intArgRegs and floatArgRegs are indexed [profile][argument index].
var intArgRegs = map[Profile][]int16{
	SysV:  {x86.REG_DI, x86.REG_SI, x86.REG_DX, x86.REG_CX, x86.REG_R8, x86.REG_R9},
	Win64: {x86.REG_CX, x86.REG_DX, x86.REG_R8, x86.REG_R9},
}

var floatArgRegs = map[Profile][]int16{
	SysV:  {x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3, x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7},
	Win64: {x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3},
}

// ShadowSpace is the number of bytes of stack the profile requires reserved
// immediately before a call.
func (p Profile) ShadowSpace() int32 {
	if p == Win64 {
		return 32
	}
	return 0
}

// IntReturn and FloatReturn are the fixed return-value registers; identical
// across both profiles.
const (
	IntReturn   = x86.REG_AX
	FloatReturn = x86.REG_X0
)

// IntArg returns the integer/pointer argument register for positional
// index i (0-based), or errTooManyArgs if the profile doesn't have that
// many integer argument registers.
func (p Profile) IntArg(i int) (int16, error) {
	regs := intArgRegs[p]
	if i < 0 || i >= len(regs) {
		return 0, errTooManyArgs
	}
	return regs[i], nil
}

// FloatArg returns the floating-point argument register for positional
// index i. Per spec.md §4.F, float and integer arguments share the index
// space: a RegValF at index i consumes the i-th *float* slot, independent
// of how many integer args precede it. Matching the callee's actual C
// signature to this indexing is the caller's responsibility.
func (p Profile) FloatArg(i int) (int16, error) {
	regs := floatArgRegs[p]
	if i < 0 || i >= len(regs) {
		return 0, errTooManyArgs
	}
	return regs[i], nil
}

// MaxIntArgs and MaxFloatArgs report the per-profile register counts.
func (p Profile) MaxIntArgs() int   { return len(intArgRegs[p]) }
func (p Profile) MaxFloatArgs() int { return len(floatArgRegs[p]) }

// Select picks the host's native profile. Compiles that target a different
// platform than the host (cross-compiling a JIT makes no sense for a
// process-embedded compiler, but tests may want to force a profile) should
// construct the Profile value directly instead of calling Select.
func Select() Profile {
	if runtime.GOOS == "windows" {
		return Win64
	}
	return SysV
}

// ErrTooManyArgs is the exported sentinel for errors.Is checks against
// IntArg/FloatArg failures.
var ErrTooManyArgs = errTooManyArgs
