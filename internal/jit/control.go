package jit

import (
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/regalloc"
	"mvmjit/internal/vmrt"
)

// ErrTooManyCallArgs is returned when a CallSpec needs more argument
// registers than the target profile provides. There is no stack-spill
// path in this core (spec.md §4.B "no spill path").
var ErrTooManyCallArgs = fmt.Errorf("jit: call spec exceeds available argument registers")

// EmitBranch lowers a Branch node, per spec.md §4.F.
func (e *Emitter) EmitBranch(b BranchSpec) error {
	labelID, err := e.resolveTarget(b.Target)
	if err != nil {
		return err
	}

	switch b.Cond {
	case BranchAlways:
		p := e.asm.NewProg()
		p.As = obj.AJMP
		e.asm.Branch(p, labelID)

	case BranchIfI, BranchUnlessI:
		e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(b.Reg))
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		as := x86.AJNE
		if b.Cond == BranchUnlessI {
			as = x86.AJEQ
		}
		e.jcc(as, labelID)
	}
	return nil
}

func (e *Emitter) resolveTarget(t BranchTarget) (int32, error) {
	if t.IsExit {
		return e.asm.ExitID(), nil
	}
	return t.Label, nil
}

// EmitLabel binds a dynamic label at the current emission point.
func (e *Emitter) EmitLabel(labelID int32) {
	e.asm.LabelHere(labelID)
}

// EmitGuard lowers a Guard node: an existence/concreteness test on ObjReg
// against the type or concreteness recorded in the given spesh slot, a
// deopt call on mismatch, and RV=DEOPT followed by a jump to `out`. Matches
// spec.md §4.F "guard/deopt protocol": "for guardtype: object must be
// non-null type-object with matching STable; for guardconc: non-null,
// not-type-object, matching STable." Both kinds therefore share a
// non-null check and a matching-STable check, differing only in which way
// the type-object flag test must go; the common checks are CMPQ/TESTW
// sequences the STable deref must never reach for a null object.
func (e *Emitter) EmitGuard(g GuardSpec) {
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(g.ObjReg))
	fail := e.asm.LabelAlloc()
	pass := e.asm.LabelAlloc()

	// Non-null check first: both guard kinds require it, and the flag and
	// STable checks below dereference the object, which a null object
	// can't survive.
	e.testRegReg(x86.REG_AX, x86.REG_AX)
	e.jcc(x86.AJEQ, fail)

	// Concreteness check. Keep the object pointer in CX across
	// TypeObjectTest (a pure read) so it's still available for the STable
	// load below.
	e.movRegReg(x86.REG_CX, x86.REG_AX)
	e.TypeObjectTest(x86.REG_CX)
	switch g.Kind {
	case GuardType:
		// Must BE a type object: fail when the flag is clear (ZF=1).
		e.jcc(x86.AJEQ, fail)
	case GuardConc:
		// Must NOT be a type object: fail when the flag is set (ZF=0).
		e.jcc(x86.AJNE, fail)
	}

	// STable match, common to both kinds.
	e.SpeshSlotFetch(x86.REG_DX, g.SpeshSlotIdx) // uses AX as scratch
	e.loadMem(x86.REG_AX, x86.REG_CX, 0)         // obj.STable
	e.prog2(x86.ACMPQ, regAddr(x86.REG_DX), regAddr(x86.REG_AX))
	e.jcc(x86.AJEQ, pass)

	e.asm.LabelHere(fail)
	e.emitDeopt(g)
	e.asm.LabelHere(pass)
}

func (e *Emitter) emitDeopt(g GuardSpec) {
	e.trace("guard miss -> deopt offset=%d target=%d", g.DeoptOffset, g.DeoptTarget)
	intArg0, _ := e.profile.IntArg(0)
	intArg1, _ := e.profile.IntArg(1)
	intArg2, _ := e.profile.IntArg(2)
	e.movRegReg(intArg0, regalloc.TC.Reg())
	e.movImm64(intArg1, int64(g.DeoptOffset))
	e.movImm64(intArg2, int64(g.DeoptTarget))
	e.ccallTrampoline(e.externs.SpeshDeoptOneDirect)

	e.movImm64(regalloc.RV, vmrt.DeoptSentinel)
	jmp := e.asm.NewProg()
	jmp.As = obj.AJMP
	e.asm.Branch(jmp, e.asm.OutID())
}

// EmitCallC marshals a CallSpec's arguments into the target profile's
// registers and issues the call, per spec.md §4.F "C-call argument
// marshaling". Unlike the original MVM_JIT_REG_ADDR case in the C source
// (missing a `break`, silently falling into the next case), every arg kind
// here is self-contained: there is no fallthrough bug to carry forward.
func (e *Emitter) EmitCallC(c CallSpec) error {
	if c.Varargs {
		return fmt.Errorf("jit: varargs call specs are unsupported")
	}

	// Int and float arguments share one index space (spec.md §4.F, and
	// internal/abi.Profile.FloatArg's own doc comment): RegValF at
	// position i uses the i-th float arg register, where i counts every
	// argument seen so far, not just the float ones. A separate float
	// counter would put the float in the wrong XMM slot as soon as a call
	// mixes int and float arguments.
	idx := 0
	for _, arg := range c.Args {
		switch arg.Kind {
		case ArgInterpVarTC:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.movRegReg(reg, regalloc.TC.Reg())
			idx++

		case ArgInterpVarFrame:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.loadMem(reg, regalloc.TC.Reg(), tcCurFrameOffset)
			idx++

		case ArgInterpVarCU:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.movRegReg(reg, regalloc.CU.Reg())
			idx++

		case ArgRegVal:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.loadMem(reg, regalloc.WORK.Reg(), workSlot(arg.Reg))
			idx++

		case ArgRegAddr:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.leaMem(reg, regalloc.WORK.Reg(), workSlot(arg.Reg))
			idx++

		case ArgRegValF:
			reg, err := e.profile.FloatArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.prog2(x86.AMOVSD, memAddr(regalloc.WORK.Reg(), workSlot(arg.Reg)), regAddr(reg))
			idx++

		case ArgLiteral32, ArgLiteral64:
			reg, err := e.profile.IntArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			e.movImm64(reg, arg.Lit)
			idx++

		case ArgLiteralF:
			reg, err := e.profile.FloatArg(idx)
			if err != nil {
				return ErrTooManyCallArgs
			}
			bits := int64(math.Float64bits(arg.LitF))
			e.movImm64(x86.REG_AX, bits)
			e.prog2(x86.AMOVQ, regAddr(x86.REG_AX), regAddr(reg))
			idx++

		default:
			return fmt.Errorf("jit: unhandled call arg kind %d", arg.Kind)
		}
	}

	e.ccallTrampoline(c.Target)

	switch c.RVMode {
	case vmrt.RVVoid:
	case vmrt.RVInt, vmrt.RVPtr, vmrt.RVAddr, vmrt.RVDeref:
		e.storeMem(regalloc.WORK.Reg(), workSlot(c.RVReg), x86.REG_AX)
	case vmrt.RVNum:
		e.prog2(x86.AMOVSD, regAddr(x86.REG_X0), memAddr(regalloc.WORK.Reg(), workSlot(c.RVReg)))
	}
	return nil
}
