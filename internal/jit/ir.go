// Package jit lowers a basic-block-sized slice of speshed IR into native
// x86-64 machine code. See spec.md §3 for the data model this file
// implements and §4.D-G for the emitters that consume it.
package jit

import "mvmjit/internal/vmrt"

// Opcode identifies a primitive operation the instruction emitter knows how
// to lower. Values are dense, assigned by iota in declaration order, so
// they carry no meaning outside this package.
type Opcode int

const (
	OpNop Opcode = iota

	OpConstI64_16
	OpConstI64
	OpConstN64
	OpConstS
	OpNull

	OpGetHow
	OpGetWhat
	OpGetLex
	OpBindLex
	OpGetLexRef // [NEW] — restored from original_source, see DESIGN.md

	OpSpGetArgI
	OpSpGetArgN
	OpSpGetArgS
	OpSpGetArgO

	OpSpP6oGetI
	OpSpP6oGetN
	OpSpP6oGetS
	OpSpP6oGetO
	OpSpP6oGetVcO
	OpSpP6oGetVtO
	OpSpP6oBindI
	OpSpP6oBindN
	OpSpP6oBindS
	OpSpP6oBindO

	OpSet
	OpGetWhere
	OpSpGetSpeshSlot
	OpSetDispatcher
	OpTakeDispatcher
	OpGetCode

	OpAddI
	OpSubI
	OpMulI
	OpDivI
	OpModI
	OpIncI
	OpDecI

	OpAddN
	OpSubN
	OpMulN
	OpDivN

	OpCoerceIN
	OpCoerceNI

	OpEqI
	OpNeI
	OpLtI
	OpLeI
	OpGtI
	OpGeI
	OpEqAddr
	OpBoolifyI // [NEW] — restored from original_source, see DESIGN.md

	OpSpFastCreate
)

// Node tags a single element of a Jit Graph.
type NodeKind int

const (
	NodePrimitive NodeKind = iota
	NodeCallC
	NodeBranch
	NodeLabel
	NodeGuard
	NodeInvoke
)

// Operand is a single operand of an Ins. Exactly one of the fields is
// meaningful, selected by Kind.
type OperandKind int

const (
	OperandReg OperandKind = iota
	OperandLex
	OperandLitInt
	OperandLitFloat
	OperandStringIdx
	OperandCoderefIdx
	OperandCallsiteIdx
)

type Operand struct {
	Kind OperandKind

	Reg uint16 // OperandReg: original local slot

	LexOuterCount uint16 // OperandLex
	LexIndex      uint16 // OperandLex
	Vivify        bool   // OperandLex: getlex should vivify a nil object slot

	LitInt   int64   // OperandLitInt: signed 64-bit, or raw bits of a 16/64 literal
	LitFloat float64 // OperandLitFloat

	// Idx carries a string-table / coderef-table / callsite-table index for
	// OperandStringIdx / OperandCoderefIdx / OperandCallsiteIdx. p6oget_vc_o
	// and p6oget_vt_o additionally use a bare Operands[3] of this kind to
	// carry the spesh slot holding the vivify template (see emitP6oGet).
	Idx uint16
}

// RegOperand builds a register operand.
func RegOperand(reg uint16) Operand { return Operand{Kind: OperandReg, Reg: reg} }

// LitIntOperand builds a signed/bit-pattern integer literal operand.
func LitIntOperand(v int64) Operand { return Operand{Kind: OperandLitInt, LitInt: v} }

// LitFloatOperand builds a double-bits literal operand.
func LitFloatOperand(v float64) Operand { return Operand{Kind: OperandLitFloat, LitFloat: v} }

// Ins is a single lowered instruction: an opcode plus its operand vector.
type Ins struct {
	Op       Opcode
	Operands []Operand
}

// WritesReg reports whether Operands[0] is the destination register this
// instruction writes, per the "first operand is write_reg" convention used
// throughout spec.md §4.E and §4.H.
func (i Ins) WritesReg() bool {
	switch i.Op {
	case OpSet, OpGetWhere, OpSpGetSpeshSlot, OpGetCode, OpNull, OpGetHow, OpGetWhat,
		OpConstI64_16, OpConstI64, OpConstN64, OpConstS, OpGetLex, OpGetLexRef,
		OpSpGetArgI, OpSpGetArgN, OpSpGetArgS, OpSpGetArgO,
		OpSpP6oGetI, OpSpP6oGetN, OpSpP6oGetS, OpSpP6oGetO, OpSpP6oGetVcO, OpSpP6oGetVtO,
		OpAddI, OpSubI, OpMulI, OpDivI, OpModI, OpIncI, OpDecI,
		OpAddN, OpSubN, OpMulN, OpDivN, OpCoerceIN, OpCoerceNI,
		OpEqI, OpNeI, OpLtI, OpLeI, OpGtI, OpGeI, OpEqAddr, OpBoolifyI,
		OpSpFastCreate, OpTakeDispatcher:
		return len(i.Operands) > 0
	default:
		return false
	}
}

// DestReg returns Operands[0].Reg; only meaningful when WritesReg is true.
func (i Ins) DestReg() uint16 {
	return i.Operands[0].Reg
}

// CallArgKind tags one argument in a CallSpec's argument vector, per
// spec.md §3 "Call spec".
type CallArgKind int

const (
	ArgInterpVarTC CallArgKind = iota
	ArgInterpVarFrame
	ArgInterpVarCU
	ArgRegVal
	ArgRegValF
	ArgRegAddr
	ArgLiteral32
	ArgLiteral64
	ArgLiteralF
)

type CallArg struct {
	Kind CallArgKind
	Reg  uint16 // ArgRegVal / ArgRegValF / ArgRegAddr
	Lit  int64  // ArgLiteral32 / ArgLiteral64 (bit pattern)
	LitF float64
}

// CallSpec describes a C call: target, arguments, and return-value
// disposition. Varargs are explicitly unsupported (spec.md Non-goals); the
// field exists only so the emitter can fail fast with a clear error.
type CallSpec struct {
	Target   uintptr
	Args     []CallArg
	RVMode   vmrt.ReturnMode
	RVReg    uint16
	Varargs  bool
}

// BranchTarget is either a named label (EXIT sentinel or dynamic) for an
// unconditional jump.
type BranchTarget struct {
	IsExit bool
	Label  int32
}

// BranchCond enumerates the conditional-branch shapes spec.md §4.F
// supports; these drive the test/jcc sequence over a register holding an
// IR compare result.
type BranchCond int

const (
	BranchAlways BranchCond = iota
	BranchIfI    // if_i: jnz
	BranchUnlessI
)

// BranchSpec is a single branch node.
type BranchSpec struct {
	Target BranchTarget
	Cond   BranchCond
	Reg    uint16 // test register for BranchIfI/BranchUnlessI
}

// GuardKind selects which existence/concreteness check a Guard node
// performs.
type GuardKind int

const (
	GuardType GuardKind = iota
	GuardConc
)

// GuardSpec is a single guard/deopt node, per spec.md §3 "Guard spec".
type GuardSpec struct {
	Kind            GuardKind
	ObjReg          uint16
	SpeshSlotIdx    uint16
	DeoptOffset     uint32
	DeoptTarget     uint32
}

// InvokeReturnType enumerates the invoke return-type tags in spec.md §3.
type InvokeReturnType int

const (
	InvokeVoid InvokeReturnType = iota
	InvokeObj
	InvokeInt
	InvokeNum
	InvokeStr
)

// InvokeArgKind tags one staged argument in an Invoke's argument vector.
type InvokeArgKind int

const (
	InvokeArgI InvokeArgKind = iota
	InvokeArgS
	InvokeArgN
	InvokeArgO
	InvokeArgConstI
	InvokeArgConstN
	InvokeArgConstS
)

type InvokeArg struct {
	Kind    InvokeArgKind
	Reg     uint16 // InvokeArgI/S/N/O
	DstSlot uint16 // destination slot in the callee's args buffer
	LitI    int64
	LitN    float64
	LitS    uint16 // string-table index
}

// InvokeSpec is a single invoke node, per spec.md §3 "Invoke spec" and
// §4.G.
type InvokeSpec struct {
	CallsiteIdx   uint16
	Args          []InvokeArg
	CodeReg       uint16
	ReturnType    InvokeReturnType
	ReturnReg     uint16
	ReentryLabel  int32
	IsFast        bool
	SpeshCandID int32
}

// Node is one element of a Jit Graph (spec.md §3).
type Node struct {
	Kind NodeKind

	Primitive Ins
	CallC     CallSpec
	Branch    BranchSpec
	LabelName int32
	Guard     GuardSpec
	Invoke    InvokeSpec
}

// Graph is the ordered node sequence fed to the emitter, with a back
// pointer to static per-frame context the emitter needs (lexical types,
// spesh slots, strings table) -- modeled minimally as SpeshContext since
// the spesh graph producer itself is out of scope (spec.md §1).
type Graph struct {
	Nodes []Node
	Spesh SpeshContext
}

// SpeshContext is the subset of the (externally produced) spesh graph the
// core reads: current static frame's local count, and lexical-declared-
// type information. The emitters read only NumLocals; getlex decides on
// vivification from its Operand.Vivify flag, not from LexicalIsObj.
type SpeshContext struct {
	NumLocals      int
	LexicalIsObj   map[uint16]bool // outer-count -> index encoded by caller
}
