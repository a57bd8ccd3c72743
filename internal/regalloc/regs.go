// Package regalloc holds the fixed register assignment described in
// spec.md §4.C. There is no general allocator here by design (spec.md §9
// "Fixed register assignment vs. allocator"): four callee-saved host
// registers are permanently pinned to VM roles, and a typed enum of six
// caller-saved temporaries plus push/pop around C calls covers everything
// else. Treat this file as the single place that discipline is documented.
package regalloc

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// Role is one of the four VM-global pointers pinned to a callee-saved
// register for the lifetime of a compiled block.
type Role int

const (
	TC Role = iota
	WORK
	ARGS
	CU
)

// roleRegs is the fixed TC/WORK/ARGS/CU assignment. Emitted code must never
// clobber these except via the documented prologue/epilogue save-restore.
var roleRegs = map[Role]int16{
	TC:   x86.REG_R14,
	WORK: x86.REG_BX,
	ARGS: x86.REG_R12,
	CU:   x86.REG_R13,
}

// Reg returns the host register backing a Role.
func (r Role) Reg() int16 { return roleRegs[r] }

// CalleeSaved lists the roles in save/restore order, used by the
// prologue/epilogue emitter (internal/jit).
func CalleeSaved() []Role { return []Role{TC, WORK, ARGS, CU} }

// Temp is one of six caller-saved scratch registers. All, TMP5/TMP6
// included, are clobbered by any C call; callers that need a value to
// survive a call sequence must push/pop it explicitly.
type Temp int

const (
	TMP1 Temp = iota
	TMP2
	TMP3
	TMP4
	TMP5
	TMP6
)

var tempRegs = [...]int16{
	x86.REG_CX,
	x86.REG_DX,
	x86.REG_R8,
	x86.REG_R9,
	x86.REG_R10,
	x86.REG_R11,
}

// Reg returns the host register backing a Temp.
func (t Temp) Reg() int16 { return tempRegs[t] }

// FirstFourAreSysVArgs documents that TMP1..TMP4 (cx/dx/r8/r9) alias SysV
// integer arg indices 3/2/4/5 respectively -- cx is among the first four
// SysV integer argument registers (di, si, dx, cx), just not in TMP order
// -- so values already live in temps that are about to become call
// arguments need no shuffling on SysV; on Win64 all four temps alias the
// full integer argument set, in order.
const FirstFourAreSysVArgs = 4

// Function is the register indirect call targets are loaded into before a
// C-call trampoline issues `call FUNCTION`.
const Function int16 = x86.REG_R10

// RV and RVF are the fixed integer and float return-value registers.
const (
	RV  int16 = x86.REG_AX
	RVF int16 = x86.REG_X0
)
