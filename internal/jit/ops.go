package jit

import (
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/regalloc"
)

// ErrUnknownOpcode is returned when a block contains an opcode this
// emitter has no lowering for. Per spec.md §4.E, the non-JIT fallback is
// the interpreter: the caller aborts compilation for the whole block.
type ErrUnknownOpcode struct{ Op Opcode }

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("jit: can't JIT opcode %d", int(e.Op))
}

func workSlot(reg uint16) int64 { return int64(reg) * regSize }

// EmitIns lowers a single Primitive node, per spec.md §4.E.
func (e *Emitter) EmitIns(ins Ins) error {
	switch ins.Op {
	case OpNop:
		e.prog0(obj.ANOP)

	case OpConstI64_16, OpConstI64:
		dst := ins.Operands[0].Reg
		v := ins.Operands[1].LitInt
		e.movImm64(x86.REG_AX, v)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpConstN64:
		dst := ins.Operands[0].Reg
		bits := int64(math.Float64bits(ins.Operands[1].LitFloat))
		e.movImm64(x86.REG_AX, bits)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpConstS:
		// Conservative path per spec.md Open Question: always emit the
		// indirect load through CU.body.strings[idx] rather than
		// embedding the absolute pointer, since validity of the
		// embed-pointer fast path depends on an immortality guarantee
		// this core cannot check.
		dst := ins.Operands[0].Reg
		idx := ins.Operands[1].Idx
		e.loadMem(x86.REG_AX, regalloc.CU.Reg(), cuStringsOffset)
		e.loadMem(x86.REG_AX, x86.REG_AX, int64(idx)*8)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpNull:
		dst := ins.Operands[0].Reg
		e.VMNullFetch(x86.REG_AX)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpGetHow, OpGetWhat:
		dst := ins.Operands[0].Reg
		src := ins.Operands[1].Reg
		e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))
		e.loadMem(x86.REG_AX, x86.REG_AX, 0) // obj.STable
		off := int64(stableHOWOffset)
		if ins.Op == OpGetWhat {
			off = stableWHATOffset
		}
		e.loadMem(x86.REG_AX, x86.REG_AX, off)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpGetLex, OpGetLexRef:
		return e.emitGetLex(ins)

	case OpBindLex:
		return e.emitBindLex(ins)

	case OpSpGetArgI, OpSpGetArgN, OpSpGetArgS, OpSpGetArgO:
		dst := ins.Operands[0].Reg
		idx := ins.Operands[1].Idx
		e.loadMem(x86.REG_AX, regalloc.ARGS.Reg(), int64(idx)*8)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpSpP6oGetI, OpSpP6oGetN, OpSpP6oGetS, OpSpP6oGetO, OpSpP6oGetVcO, OpSpP6oGetVtO:
		return e.emitP6oGet(ins)

	case OpSpP6oBindI, OpSpP6oBindN, OpSpP6oBindS, OpSpP6oBindO:
		return e.emitP6oBind(ins)

	case OpSet, OpGetWhere:
		dst := ins.Operands[0].Reg
		src := ins.Operands[1].Reg
		e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpSpGetSpeshSlot:
		dst := ins.Operands[0].Reg
		idx := ins.Operands[1].Idx
		e.SpeshSlotFetch(x86.REG_AX, idx)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpSetDispatcher, OpTakeDispatcher:
		reg := ins.Operands[0].Reg
		if ins.Op == OpSetDispatcher {
			e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(reg))
			e.storeMem(regalloc.TC.Reg(), tcCurDispatcherOffset, x86.REG_AX)
		} else {
			e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurDispatcherOffset)
			e.storeMem(regalloc.WORK.Reg(), workSlot(reg), x86.REG_AX)
			e.movImm64(x86.REG_CX, 0)
			e.storeMem(regalloc.TC.Reg(), tcCurDispatcherOffset, x86.REG_CX)
		}

	case OpGetCode:
		dst := ins.Operands[0].Reg
		idx := ins.Operands[1].Idx
		e.loadMem(x86.REG_AX, regalloc.CU.Reg(), cuCoderefsOffset)
		e.loadMem(x86.REG_AX, x86.REG_AX, int64(idx)*8)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpAddI, OpSubI, OpMulI, OpDivI, OpModI:
		return e.emitIntArith(ins)

	case OpIncI, OpDecI:
		dst := ins.Operands[0].Reg
		as := x86.AINCQ
		if ins.Op == OpDecI {
			as = x86.ADECQ
		}
		e.prog1(as, memAddr(regalloc.WORK.Reg(), workSlot(dst)))

	case OpAddN, OpSubN, OpMulN, OpDivN:
		return e.emitFloatArith(ins)

	case OpCoerceIN:
		dst, src := ins.Operands[0].Reg, ins.Operands[1].Reg
		e.prog2(x86.ACVTSQ2SD, memAddr(regalloc.WORK.Reg(), workSlot(src)), regAddr(x86.REG_X0))
		e.prog2(x86.AMOVSD, regAddr(x86.REG_X0), memAddr(regalloc.WORK.Reg(), workSlot(dst)))

	case OpCoerceNI:
		dst, src := ins.Operands[0].Reg, ins.Operands[1].Reg
		e.prog2(x86.AMOVSD, memAddr(regalloc.WORK.Reg(), workSlot(src)), regAddr(x86.REG_X0))
		e.prog2(x86.ACVTTSD2SQ, regAddr(x86.REG_X0), regAddr(x86.REG_AX))
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpEqI, OpNeI, OpLtI, OpLeI, OpGtI, OpGeI, OpEqAddr:
		return e.emitCompare(ins)

	case OpBoolifyI:
		// [NEW] trivial sibling of Set that normalizes any non-zero
		// integer to 1, zero stays zero -- same "setcc into full
		// register" shape as the Compare family.
		dst, src := ins.Operands[0].Reg, ins.Operands[1].Reg
		e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		e.prog1(x86.ASETNE, regAddr(x86.REG_AL))
		e.prog2(x86.AMOVBQZX, regAddr(x86.REG_AL), regAddr(x86.REG_AX))
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)

	case OpSpFastCreate:
		return e.emitFastCreate(ins)

	default:
		return ErrUnknownOpcode{Op: ins.Op}
	}
	return nil
}

func (e *Emitter) emitIntArith(ins Ins) error {
	dst, b, c := ins.Operands[0].Reg, ins.Operands[1].Reg, ins.Operands[2].Reg
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(b))
	switch ins.Op {
	case OpAddI:
		e.prog2(x86.AADDQ, memAddr(regalloc.WORK.Reg(), workSlot(c)), regAddr(x86.REG_AX))
	case OpSubI:
		e.prog2(x86.ASUBQ, memAddr(regalloc.WORK.Reg(), workSlot(c)), regAddr(x86.REG_AX))
	case OpMulI:
		e.prog2(x86.AIMULQ, memAddr(regalloc.WORK.Reg(), workSlot(c)), regAddr(x86.REG_AX))
	case OpDivI, OpModI:
		e.prog0(x86.ACQO)
		e.prog1(x86.AIDIVQ, memAddr(regalloc.WORK.Reg(), workSlot(c)))
		if ins.Op == OpModI {
			e.movRegReg(x86.REG_AX, x86.REG_DX)
		}
	}
	e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
	return nil
}

func (e *Emitter) emitFloatArith(ins Ins) error {
	dst, b, c := ins.Operands[0].Reg, ins.Operands[1].Reg, ins.Operands[2].Reg
	e.prog2(x86.AMOVSD, memAddr(regalloc.WORK.Reg(), workSlot(b)), regAddr(x86.REG_X0))
	var as obj.As
	switch ins.Op {
	case OpAddN:
		as = x86.AADDSD
	case OpSubN:
		as = x86.ASUBSD
	case OpMulN:
		as = x86.AMULSD
	case OpDivN:
		as = x86.ADIVSD
	}
	e.prog2(as, memAddr(regalloc.WORK.Reg(), workSlot(c)), regAddr(x86.REG_X0))
	e.prog2(x86.AMOVSD, regAddr(x86.REG_X0), memAddr(regalloc.WORK.Reg(), workSlot(dst)))
	return nil
}

func (e *Emitter) emitCompare(ins Ins) error {
	dst, b, c := ins.Operands[0].Reg, ins.Operands[1].Reg, ins.Operands[2].Reg
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(b))
	e.prog2(x86.ACMPQ, memAddr(regalloc.WORK.Reg(), workSlot(c)), regAddr(x86.REG_AX))
	var as obj.As
	switch ins.Op {
	case OpEqI, OpEqAddr:
		as = x86.ASETEQ
	case OpNeI:
		as = x86.ASETNE
	case OpLtI:
		as = x86.ASETLT
	case OpLeI:
		as = x86.ASETLE
	case OpGtI:
		as = x86.ASETGT
	case OpGeI:
		as = x86.ASETGE
	}
	e.prog1(as, regAddr(x86.REG_AL))
	e.prog2(x86.AMOVBQZX, regAddr(x86.REG_AL), regAddr(x86.REG_AX))
	e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
	return nil
}

// emitGetLex walks LexOuterCount Outer links from the current frame, then
// reads (or, for the [NEW] OpGetLexRef, computes the address of) the Env
// slot at LexIndex. A declared-object slot found nil is vivified by calling
// out to FrameVivifyLexical, per spec.md §6.
func (e *Emitter) emitGetLex(ins Ins) error {
	dst := ins.Operands[0].Reg
	lex := ins.Operands[1]

	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	for i := uint16(0); i < lex.LexOuterCount; i++ {
		e.loadMem(x86.REG_AX, x86.REG_AX, frameOuterOffset)
	}
	e.loadMem(x86.REG_CX, x86.REG_AX, frameEnvOffset)

	if ins.Op == OpGetLexRef {
		e.leaMem(x86.REG_AX, x86.REG_CX, int64(lex.LexIndex)*regSize)
		e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
		return nil
	}

	// Preserve the frame (not env) in DX before the slot load below
	// overwrites AX: MVM_frame_vivify_lexical(tc, frame, idx) takes the
	// frame as its second argument, and CX already holds env, not frame.
	e.movRegReg(x86.REG_DX, x86.REG_AX)
	e.loadMem(x86.REG_AX, x86.REG_CX, int64(lex.LexIndex)*regSize)
	if lex.Vivify {
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		have := e.asm.LabelAlloc()
		e.jcc(x86.AJNE, have)
		intArg0, _ := e.profile.IntArg(0)
		intArg1, _ := e.profile.IntArg(1)
		intArg2, _ := e.profile.IntArg(2)
		e.movRegReg(intArg0, regalloc.TC.Reg())
		e.movRegReg(intArg1, x86.REG_DX) // frame, per MVM_frame_vivify_lexical(tc, frame, idx)
		e.movImm64(intArg2, int64(lex.LexIndex))
		e.ccallTrampoline(e.externs.FrameVivifyLexical) // result lands in RV, which is REG_AX
		e.asm.LabelHere(have)
	}
	e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
	return nil
}

// emitBindLex writes src into the lexical slot found the same way
// emitGetLex finds it. Lexical env slots aren't generation-tracked the way
// p6opaque attribute slots are, so no write-barrier gate applies here.
func (e *Emitter) emitBindLex(ins Ins) error {
	lex := ins.Operands[0]
	src := ins.Operands[1].Reg

	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	for i := uint16(0); i < lex.LexOuterCount; i++ {
		e.loadMem(x86.REG_AX, x86.REG_AX, frameOuterOffset)
	}
	e.loadMem(x86.REG_CX, x86.REG_AX, frameEnvOffset)
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))
	e.storeMem(x86.REG_CX, int64(lex.LexIndex)*regSize, x86.REG_AX)
	return nil
}

// p6oFieldAddr leaves, in REG_CX, the base address attribute offsets are
// relative to: the object's Replaced body pointer if set, else the inline
// Body start. Matches the p6opaque "possibly replaced inline body" layout.
func (e *Emitter) p6oFieldAddr(objReg uint16) {
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(objReg))
	e.leaMem(x86.REG_CX, x86.REG_AX, p6oBodyOffset)
	e.loadMem(x86.REG_DX, x86.REG_CX, p6oReplacedOffset)
	e.testRegReg(x86.REG_DX, x86.REG_DX)
	done := e.asm.LabelAlloc()
	e.jcc(x86.AJEQ, done)
	e.movRegReg(x86.REG_CX, x86.REG_DX)
	e.asm.LabelHere(done)
}

func (e *Emitter) emitP6oGet(ins Ins) error {
	dst := ins.Operands[0].Reg
	objReg := ins.Operands[1].Reg
	off := ins.Operands[2].LitInt

	e.p6oFieldAddr(objReg)
	e.loadMem(x86.REG_AX, x86.REG_CX, off)

	switch ins.Op {
	case OpSpP6oGetO:
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		have := e.asm.LabelAlloc()
		e.jcc(x86.AJNE, have)
		e.VMNullFetch(x86.REG_AX)
		e.asm.LabelHere(have)

	case OpSpP6oGetVtO:
		// Vivify-type: on a nil field, store the spesh slot's type object
		// straight into the field -- no allocator/clone call. Per spec.md
		// §4.E ("_vt_o ... load type from spesh slot ... then store the
		// type back into the field") and the original, which does a bare
		// `get_spesh_slot TMP3; mov [TMP2], TMP3` with no call at all.
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		have := e.asm.LabelAlloc()
		e.jcc(x86.AJNE, have)
		e.SpeshSlotFetch(x86.REG_AX, ins.Operands[3].Idx)
		e.writeBarrieredFieldStore(objReg, x86.REG_CX, off, x86.REG_AX)
		e.asm.LabelHere(have)

	case OpSpP6oGetVcO:
		// Vivify-clone: on a nil field, clone the spesh slot's prototype
		// and store the clone, under the same write-barrier discipline.
		e.testRegReg(x86.REG_AX, x86.REG_AX)
		have := e.asm.LabelAlloc()
		e.jcc(x86.AJNE, have)
		// The field base (CX) is caller-saved and about to be clobbered
		// by the clone call, so it's pushed rather than merely parked in
		// a temp -- TMP5/TMP6 are themselves caller-saved under both ABI
		// profiles and would not actually survive the call.
		e.pushReg(x86.REG_CX)
		e.SpeshSlotFetch(x86.REG_CX, ins.Operands[3].Idx)
		intArg0, _ := e.profile.IntArg(0)
		intArg1, _ := e.profile.IntArg(1)
		e.movRegReg(intArg1, x86.REG_CX) // before arg0: on Win64 arg0 is CX
		e.movRegReg(intArg0, regalloc.TC.Reg())
		e.ccallTrampoline(e.externs.ReprClone) // result lands in RV, which is REG_AX
		e.popReg(x86.REG_CX)
		e.writeBarrieredFieldStore(objReg, x86.REG_CX, off, x86.REG_AX)
		e.asm.LabelHere(have)
	}

	e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
	return nil
}

// writeBarrieredFieldStore stores value into *(fieldBase+off), checking
// and, if needed, hitting the write barrier between objReg's host object
// and value first -- the "same barrier discipline" spec.md §4.E calls for
// on sp_p6ogetvt_o/vc_o's store-back, mirroring emitP6oBind's _o case.
// fieldBase and value are explicitly pushed/popped rather than assumed to
// survive WriteBarrierHit's call: both are caller-saved registers under
// SysV and Win64 alike.
func (e *Emitter) writeBarrieredFieldStore(objReg uint16, fieldBase int16, off int64, value int16) {
	e.pushReg(fieldBase)
	e.pushReg(value)
	e.loadMem(x86.REG_DX, regalloc.WORK.Reg(), workSlot(objReg))
	e.WriteBarrierCheck(x86.REG_DX, value)
	skip := e.asm.LabelAlloc()
	e.jcc(x86.AJEQ, skip)
	e.WriteBarrierHit(x86.REG_DX)
	e.asm.LabelHere(skip)
	e.popReg(value)
	e.popReg(fieldBase)
	e.storeMem(fieldBase, off, value)
}

func (e *Emitter) emitP6oBind(ins Ins) error {
	objReg := ins.Operands[0].Reg
	off := ins.Operands[1].LitInt
	src := ins.Operands[2].Reg

	e.p6oFieldAddr(objReg)
	fieldBase := regalloc.TMP6.Reg()
	e.movRegReg(fieldBase, x86.REG_CX)
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))

	if ins.Op == OpSpP6oBindO {
		e.loadMem(x86.REG_DX, regalloc.WORK.Reg(), workSlot(objReg))
		e.WriteBarrierCheck(x86.REG_DX, x86.REG_AX)
		skip := e.asm.LabelAlloc()
		e.jcc(x86.AJEQ, skip)
		e.WriteBarrierHit(x86.REG_DX)
		e.asm.LabelHere(skip)
		e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(src))
	}

	e.storeMem(fieldBase, off, x86.REG_AX)
	return nil
}

func (e *Emitter) emitFastCreate(ins Ins) error {
	dst := ins.Operands[0].Reg
	speshSlot := ins.Operands[1].Idx
	size := ins.Operands[2].LitInt

	intArg0, _ := e.profile.IntArg(0)
	intArg1, _ := e.profile.IntArg(1)
	e.movRegReg(intArg0, regalloc.TC.Reg())
	e.movImm64(intArg1, size)
	e.ccallTrampoline(e.externs.GCAllocateZeroed)
	// result pointer now in RV (AX)
	e.pushReg(x86.REG_AX)
	e.SpeshSlotFetch(x86.REG_CX, speshSlot)
	e.loadMem(x86.REG_AX, x86.REG_SP, 0)  // SpeshSlotFetch used AX as scratch
	e.storeMem(x86.REG_AX, 0, x86.REG_CX) // st <- spesh slot STable
	e.prog2(x86.AMOVW, constAddr(size), memAddr(x86.REG_AX, objSizeOffset))
	e.loadMem(x86.REG_CX, regalloc.TC.Reg(), tcThreadIDOffset)
	e.prog2(x86.AMOVL, regAddr(x86.REG_CX), memAddr(x86.REG_AX, objOwnerOffset))
	e.popReg(x86.REG_AX)
	e.storeMem(regalloc.WORK.Reg(), workSlot(dst), x86.REG_AX)
	return nil
}

// Field offsets not already declared in emit.go. Kept here so ops.go's
// opcode lowerings read top-to-bottom without chasing definitions across
// files; emit.go owns the primitives these build on.
const (
	cuStringsOffset       = 0
	cuCoderefsOffset      = 24
	tcCurDispatcherOffset = 8
	tcThreadIDOffset      = 32
	stableHOWOffset       = 0
	stableWHATOffset      = 8
	stableInvokeOffset    = 16
	objSizeOffset         = 10
	objOwnerOffset        = 12
	frameOuterOffset      = 24
	frameEnvOffset        = 32
	p6oBodyOffset         = 16 // sizeof(vmrt.ObjHeader)
	p6oReplacedOffset     = 0  // P6opaqueBody.Replaced is its first field
)
