package jit

import "mvmjit/internal/exprtree"

// treeOp maps the subset of Opcode that is a pure expression -- no memory
// side effect beyond its own destination register, no control flow, no C
// call -- onto the matching exprtree.Op. Every entry here has a template in
// exprtree's table; every Opcode absent from this map aborts the
// expression-tree attempt for the whole block, per spec.md §4.H.
var treeOp = map[Opcode]exprtree.Op{
	OpAddI: exprtree.OpAddI,
	OpSubI: exprtree.OpSubI,
	OpMulI: exprtree.OpMulI,
	OpDivI: exprtree.OpDivI,
	OpModI: exprtree.OpModI,

	OpAddN: exprtree.OpAddN,
	OpSubN: exprtree.OpSubN,
	OpMulN: exprtree.OpMulN,
	OpDivN: exprtree.OpDivN,

	OpCoerceIN: exprtree.OpCoerceIN,
	OpCoerceNI: exprtree.OpCoerceNI,

	OpEqI:    exprtree.OpEqI,
	OpNeI:    exprtree.OpNeI,
	OpLtI:    exprtree.OpLtI,
	OpLeI:    exprtree.OpLeI,
	OpGtI:    exprtree.OpGtI,
	OpGeI:    exprtree.OpGeI,
	OpEqAddr: exprtree.OpEqAddr,
}

// sourceOperand adapts a jit.Operand into the builder's neutral operand
// shape. OperandReg is the only kind that can feed an expression tree as a
// live value; the literal kinds carry their bits straight through.
// Anything else (lexicals, string/coderef/callsite table indices) isn't
// representable without a side-effecting fetch, and buildItems refuses to
// call this for such an operand.
func sourceOperand(op Operand) exprtree.SourceOperand {
	switch op.Kind {
	case OperandLitInt:
		return exprtree.SourceOperand{Kind: exprtree.SrcLitInt, LitInt: op.LitInt}
	case OperandLitFloat:
		return exprtree.SourceOperand{Kind: exprtree.SrcLitFloat, LitFloat: op.LitFloat}
	default:
		return exprtree.SourceOperand{Kind: exprtree.SrcReg, Reg: op.Reg}
	}
}

// buildItems adapts g's node sequence into the builder's Item stream.
// Non-primitive nodes (call-c, branch, label, guard, invoke) and primitive
// instructions the tree can't represent (any opcode outside treeOp, or an
// operand that needs a side-effecting fetch) become a non-primitive Item,
// which aborts the whole-block tree attempt in exprtree.Build.
func buildItems(g *Graph) []exprtree.Item {
	items := make([]exprtree.Item, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.Kind != NodePrimitive {
			items = append(items, exprtree.Item{IsPrimitive: false})
			continue
		}
		items = append(items, sourceItem(node.Primitive))
	}
	return items
}

// sourceItem adapts one jit.Ins into an exprtree.Item, or returns a
// non-primitive Item if ins isn't representable as a tree node.
func sourceItem(ins Ins) exprtree.Item {
	switch ins.Op {
	case OpSet, OpGetWhere:
		return exprtree.Item{IsPrimitive: true, Ins: exprtree.SourceIns{
			Special: exprtree.SpecialCopy,
			DestReg: ins.Operands[0].Reg,
			CopySrc: ins.Operands[1].Reg,
		}}

	case OpConstI64_16, OpConstI64:
		return exprtree.Item{IsPrimitive: true, Ins: exprtree.SourceIns{
			Special: exprtree.SpecialConstInt,
			DestReg: ins.Operands[0].Reg,
			Literal: sourceOperand(ins.Operands[1]),
		}}

	case OpConstN64:
		return exprtree.Item{IsPrimitive: true, Ins: exprtree.SourceIns{
			Special: exprtree.SpecialConstFloat,
			DestReg: ins.Operands[0].Reg,
			Literal: sourceOperand(ins.Operands[1]),
		}}

	case OpNull:
		return exprtree.Item{IsPrimitive: true, Ins: exprtree.SourceIns{
			Special: exprtree.SpecialNull,
			DestReg: ins.Operands[0].Reg,
		}}
	}

	top, ok := treeOp[ins.Op]
	if !ok || !ins.WritesReg() {
		return exprtree.Item{IsPrimitive: false}
	}
	args := make([]exprtree.SourceOperand, 0, len(ins.Operands)-1)
	for _, operand := range ins.Operands[1:] {
		if operand.Kind != OperandReg && operand.Kind != OperandLitInt && operand.Kind != OperandLitFloat {
			return exprtree.Item{IsPrimitive: false}
		}
		args = append(args, sourceOperand(operand))
	}
	return exprtree.Item{IsPrimitive: true, Ins: exprtree.SourceIns{
		TemplateOp: top,
		WritesReg:  true,
		DestReg:    ins.Operands[0].Reg,
		Args:       args,
	}}
}

// buildTree attempts the expression-tree path for g, returning (nil, false)
// if any node in g isn't tree-representable.
func buildTree(g *Graph) (*exprtree.Tree, bool) {
	return exprtree.Build(g.Spesh.NumLocals, buildItems(g))
}
