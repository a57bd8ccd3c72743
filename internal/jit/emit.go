package jit

import (
	"fmt"
	"io"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/abi"
	"mvmjit/internal/asmx64"
	"mvmjit/internal/regalloc"
	"mvmjit/internal/vmrt"
)

// Emitter drives the assembler facade (component A) through the ABI
// descriptor (B) and register map (C) to produce the primitives in
// spec.md §4.D, the per-opcode instructions in §4.E, the control-flow
// shapes in §4.F, and the invoke sequence in §4.G.
type Emitter struct {
	asm     *asmx64.Assembler
	profile abi.Profile
	externs vmrt.Externs

	// Trace, if non-nil, receives one line per emitted primitive --
	// the JIT analogue of the teacher repo's -debug flag.
	Trace io.Writer
}

// NewEmitter constructs an Emitter targeting profile, calling externs for
// the eight named C functions in spec.md §6.
func NewEmitter(profile abi.Profile, externs vmrt.Externs) (*Emitter, error) {
	a, err := asmx64.New()
	if err != nil {
		return nil, err
	}
	return &Emitter{asm: a, profile: profile, externs: externs}, nil
}

func (e *Emitter) trace(format string, args ...any) {
	if e.Trace != nil {
		fmt.Fprintf(e.Trace, format+"\n", args...)
	}
}

// Assembler exposes the underlying facade for callers that need to emit
// prologue-adjacent bookkeeping (e.g. the compiler driver binding the
// entry label).
func (e *Emitter) Assembler() *asmx64.Assembler { return e.asm }

const regSize = 8 // each VM register slot is 8 bytes wide, per spec.md §4.E

// Prologue emits the fixed entry sequence: save callee-saved roles, load
// TC/CU from the two incoming arguments, derive WORK/ARGS from the current
// frame, then jump to ARG3 -- the entry label address itself, not a
// compile-time label id. Matches spec.md §4.D and the entry ABI in §6:
// jit_entry(tc, cu, entry_label) "jump to ARG3 (entry label within the
// compiled block)". This is what makes a single compiled block reenterable
// at more than one point: a fresh call passes the block's body-start
// address (CompiledBlock.EntryLabel), while resuming after an invoke hands
// back control passes whatever address was stashed in
// frame.jit_entry_label by EmitInvoke's step 8.
func (e *Emitter) Prologue() {
	e.trace("prologue")
	e.pushReg(x86.REG_BP)
	e.movRegReg(x86.REG_BP, x86.REG_SP)
	for _, role := range regalloc.CalleeSaved() {
		e.pushReg(role.Reg())
	}

	// SysV: arg0=rdi(tc), arg1=rsi(cu), arg2=rdx(entry label address).
	// The trampoline in entry_amd64.s places tc/cu/entry in rdi/rsi/rdx
	// before calling in, regardless of host profile, so the prologue
	// itself is profile-independent. RDX holds the jump target until the
	// indirect jump below, so the WORK/ARGS loads go through RAX and
	// leave it untouched.
	e.movRegReg(regalloc.TC.Reg(), x86.REG_DI)
	e.movRegReg(regalloc.CU.Reg(), x86.REG_SI)

	// WORK <- tc.cur_frame.work ; ARGS <- tc.cur_frame.params.args
	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	e.loadMem(regalloc.WORK.Reg(), x86.REG_AX, frameWorkOffset)
	e.loadMem(regalloc.ARGS.Reg(), x86.REG_AX, frameParamsArgsOffset)

	e.jmpReg(x86.REG_DX)
}

// Epilogue emits the two global labels (exit, out) and the matching
// register restore / return sequence, per spec.md §4.D.
func (e *Emitter) Epilogue() {
	e.trace("epilogue: exit")
	e.asm.LabelHere(e.asm.ExitID())
	e.movImm64(regalloc.RV, int64(vmrt.ExitNormal))

	e.trace("epilogue: out")
	e.asm.LabelHere(e.asm.OutID())
	for roles := reverse(regalloc.CalleeSaved()); len(roles) > 0; roles = roles[1:] {
		e.popReg(roles[0].Reg())
	}
	e.popReg(x86.REG_BP)
	e.prog0(obj.ARET)
}

func reverse(roles []regalloc.Role) []regalloc.Role {
	out := make([]regalloc.Role, len(roles))
	for i, r := range roles {
		out[len(roles)-1-i] = r
	}
	return out
}

// ccallTrampoline loads target into the FUNCTION register and calls it,
// handling Win64 shadow space, per spec.md §4.D "C-call trampoline".
func (e *Emitter) ccallTrampoline(target uintptr) {
	e.movImm64(regalloc.Function, int64(target))
	shadow := e.profile.ShadowSpace()
	if shadow > 0 {
		e.prog2(x86.ASUBQ, constAddr(int64(shadow)), regAddr(x86.REG_SP))
	}
	e.callReg(regalloc.Function)
	if shadow > 0 {
		e.prog2(x86.AADDQ, constAddr(int64(shadow)), regAddr(x86.REG_SP))
	}
}

// WriteBarrierCheck computes, into AL/AH and finally the flags via `test
// ah, al`, whether root.flags has SECOND_GEN and ref is non-null and young.
// Callers branch on ZF=0 (must fire) per spec.md §4.D.
func (e *Emitter) WriteBarrierCheck(rootReg, refReg int16) {
	e.trace("write-barrier check root=%d ref=%d", rootReg, refReg)
	// CL = 1 iff ref != NULL AND NOT (ref.flags has SECOND_GEN). Computed
	// first, while refReg is intact: callers pass ref in AX, which AL/AH
	// alias. A null ref is never dereferenced.
	e.movImm64(x86.REG_CX, 0)
	e.testRegReg(refReg, refReg)
	refDone := e.asm.LabelAlloc()
	e.jcc(x86.AJEQ, refDone)
	e.prog2(x86.ATESTW, constAddr(int64(vmrt.FlagSecondGen)), memAddr(refReg, objFlagsOffset))
	e.prog1(x86.ASETEQ, regAddr(x86.REG_CL))
	e.asm.LabelHere(refDone)

	// AL = 1 iff root.flags has SECOND_GEN; AH = CL
	e.prog2(x86.ATESTW, constAddr(int64(vmrt.FlagSecondGen)), memAddr(rootReg, objFlagsOffset))
	e.prog1(x86.ASETNE, regAddr(x86.REG_AL))
	e.prog2(x86.AMOVB, regAddr(x86.REG_CL), regAddr(x86.REG_AH))

	// ZF=0 iff both bits set.
	e.prog2(x86.ATESTB, regAddr(x86.REG_AH), regAddr(x86.REG_AL))
}

// WriteBarrierHit emits `call MVM_gc_write_barrier_hit(tc, root)`.
func (e *Emitter) WriteBarrierHit(rootReg int16) {
	e.trace("write-barrier hit root=%d", rootReg)
	intArg0, _ := e.profile.IntArg(0)
	intArg1, _ := e.profile.IntArg(1)
	e.movRegReg(intArg0, regalloc.TC.Reg())
	e.movRegReg(intArg1, rootReg)
	e.ccallTrampoline(e.externs.GCWriteBarrierHit)
}

// SpeshSlotFetch: dst <- tc.cur_frame.effective_spesh_slots[idx].
func (e *Emitter) SpeshSlotFetch(dst int16, idx uint16) {
	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	e.loadMem(x86.REG_AX, x86.REG_AX, frameEffSpeshSlotsOffset)
	e.loadMem(dst, x86.REG_AX, int64(idx)*regSize)
}

// VMNullFetch: dst <- tc.instance.VMNull.
func (e *Emitter) VMNullFetch(dst int16) {
	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcInstanceOffset)
	e.loadMem(dst, x86.REG_AX, instanceVMNullOffset)
}

// TypeObjectTest: ZF=0 iff obj.header.flags has TYPE_OBJECT_BIT.
func (e *Emitter) TypeObjectTest(objReg int16) {
	e.prog2(x86.ATESTW, constAddr(int64(vmrt.FlagTypeObject)), memAddr(objReg, objFlagsOffset))
}

// Field offsets into vmrt's struct layouts. Kept centralized and named so
// a layout change in internal/vmrt only needs updating here.
const (
	tcCurFrameOffset         = 0
	tcInstanceOffset         = 16
	tcInterpCurOpOffset      = 24
	instanceVMNullOffset     = 0
	frameWorkOffset          = 0
	frameParamsArgsOffset    = 8
	frameEffSpeshSlotsOffset = 40
	objFlagsOffset           = 8 // offset of ObjHeader.Flags past the STable pointer
)
