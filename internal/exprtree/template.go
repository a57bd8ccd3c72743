package exprtree

// SpecialKind tags the handful of instruction shapes the builder handles
// directly rather than through the opcode-keyed template table: register
// copies, literal materialization and the null singleton. These are the
// operand-materialization primitives spec.md §4.H names inline ("literal
// operands materialize via CONST value,size") rather than opcode
// templates proper.
type SpecialKind int

const (
	SpecialNone SpecialKind = iota
	SpecialCopy
	SpecialConstInt
	SpecialConstFloat
	SpecialNull
)

// SourceOperandKind tags one operand of a SourceIns.
type SourceOperandKind int

const (
	SrcReg SourceOperandKind = iota
	SrcLitInt
	SrcLitFloat
)

// SourceOperand is the builder's view of one instruction operand,
// independent of any particular IR's concrete operand representation.
type SourceOperand struct {
	Kind     SourceOperandKind
	Reg      uint16
	LitInt   int64
	LitFloat float64
}

// SourceIns is the builder's view of one lowered instruction. A caller
// owning a concrete IR (internal/jit.Ins) adapts it to this shape; see
// internal/jit/treeglue.go for the adapter this core ships.
type SourceIns struct {
	Special SpecialKind

	// TemplateOp selects the templates[] entry for an ordinary
	// expression opcode (Special == SpecialNone). It reuses the tree's
	// own Op space (OpAddI, OpCoerceIN, ...) directly: the IR opcode and
	// the tree operator it lowers to are in 1:1 correspondence for every
	// opcode this package models.
	TemplateOp Op

	WritesReg bool
	DestReg   uint16

	CopySrc uint16        // SpecialCopy
	Literal SourceOperand // SpecialConstInt / SpecialConstFloat

	// Args are the template's operand fills, in order, for Special ==
	// SpecialNone.
	Args []SourceOperand
}

// Item is one element of the instruction stream Build consumes: either a
// tree-able SourceIns, or an opaque non-primitive node (branch, guard,
// invoke, call-c, label) that always aborts the tree per spec.md §4.H.
type Item struct {
	IsPrimitive bool
	Ins         SourceIns
}

// CellTag selects how a template cell is materialized when copied into the
// tree's node array, per spec.md §4.H: "rewriting cells tagged 'l'
// (internal links) by adding the current base offset, and cells tagged
// 'f' (operand fill) by substituting the operand node index. Other cells
// copy verbatim."
type CellTag int

const (
	TagVerbatim CellTag = iota
	TagLink
	TagFill
)

// TCell is one template cell.
type TCell struct {
	Tag CellTag
	Val int64 // verbatim value; or a template-relative link offset; or a fill index
}

// Template is a per-opcode tree shape: the cells to append, and the
// (template-relative) offset of the root among them.
type Template struct {
	Cells []TCell
	Root  int
}

func verbatim(v int64) TCell { return TCell{Tag: TagVerbatim, Val: v} }
func fill(i int) TCell       { return TCell{Tag: TagFill, Val: int64(i)} }

// binOp builds the two-operand templates (arithmetic, compare): a single
// header cell naming the tree op, followed by two operand fills.
func binOp(op Op) Template {
	return Template{Cells: []TCell{verbatim(int64(op)), fill(0), fill(1)}, Root: 0}
}

// unOp builds the one-operand templates (the coercions).
func unOp(op Op) Template {
	return Template{Cells: []TCell{verbatim(int64(op)), fill(0)}, Root: 0}
}

// templates is the representative template database (spec.md §1 treats
// the real one as an external collaborator). It covers every opcode
// whose lowering is a pure expression -- no memory side effect beyond
// the destination register itself, no control flow, no C call -- since
// those are exactly the ones a tree node can represent without
// inventing tree operators for guards, invokes or write barriers. An
// opcode missing here aborts the tree for the whole block and the
// caller falls back to the linear emitter (internal/jit).
var templates = map[Op]Template{
	OpAddI: binOp(OpAddI),
	OpSubI: binOp(OpSubI),
	OpMulI: binOp(OpMulI),
	OpDivI: binOp(OpDivI),
	OpModI: binOp(OpModI),

	OpAddN: binOp(OpAddN),
	OpSubN: binOp(OpSubN),
	OpMulN: binOp(OpMulN),
	OpDivN: binOp(OpDivN),

	OpCoerceIN: unOp(OpCoerceIN),
	OpCoerceNI: unOp(OpCoerceNI),

	OpEqI:    binOp(OpEqI),
	OpNeI:    binOp(OpNeI),
	OpLtI:    binOp(OpLtI),
	OpLeI:    binOp(OpLeI),
	OpGtI:    binOp(OpGtI),
	OpGeI:    binOp(OpGeI),
	OpEqAddr: binOp(OpEqAddr),
}
