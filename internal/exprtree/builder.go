package exprtree

import "math"

// initialNodeCap and initialRootCap match spec.md §4.H: "Allocate nodes
// (initial 64) and roots (initial 16), doubling on growth" -- append()
// already doubles on growth, so the caps only need setting once at
// construction.
const (
	initialNodeCap = 64
	initialRootCap = 16
)

// Builder is the transient state spec.md §3 "Builder state (transient)"
// describes: a growable node array, a growable root list, and a
// per-local value-numbering table.
type Builder struct {
	nodes    []int64
	roots    []int
	computed []int // computed[local] = node index holding that local's live value, or None
}

// NewBuilder allocates a Builder for a block over a static frame with
// numLocals local register slots.
func NewBuilder(numLocals int) *Builder {
	b := &Builder{
		nodes:    make([]int64, 0, initialNodeCap),
		roots:    make([]int, 0, initialRootCap),
		computed: make([]int, numLocals),
	}
	for i := range b.computed {
		b.computed[i] = None
	}
	return b
}

func (b *Builder) append(cells ...int64) int {
	base := len(b.nodes)
	b.nodes = append(b.nodes, cells...)
	return base
}

// materializeReg returns the node index holding local reg's current
// value, reusing a prior LOAD if one is already live (value numbering).
// A fresh materialization is LOCAL;ADDR base,0;LOAD addr,8, per spec.md
// §4.H.
func (b *Builder) materializeReg(reg uint16) int {
	if n := b.computed[reg]; n != None {
		return n
	}
	local := b.append(int64(OpLocal), int64(reg))
	addr := b.append(int64(OpAddr), int64(local), 0)
	load := b.append(int64(OpLoad), int64(addr), 8)
	b.computed[reg] = load
	return load
}

// materializeRegFresh always appends a new LOCAL;ADDR;LOAD chain for reg,
// bypassing the value-numbering cache in both directions: it neither
// reuses nor overwrites computed[reg]. A plain register copy uses this
// instead of materializeReg, because aliasing computed[dst] directly
// onto computed[src]'s node would give that node two independent flush
// parents (dst's own eventual STORE root and src's) and break the
// "every non-root node has exactly one parent" invariant (spec.md §3).
// Spec.md §8 names the resulting shape directly: "a write to k between
// reads forces a second LOAD."
func (b *Builder) materializeRegFresh(reg uint16) int {
	local := b.append(int64(OpLocal), int64(reg))
	addr := b.append(int64(OpAddr), int64(local), 0)
	return b.append(int64(OpLoad), int64(addr), 8)
}

// materializeLit appends a CONST node for a literal operand.
func (b *Builder) materializeLit(op SourceOperand) int {
	switch op.Kind {
	case SrcLitFloat:
		return b.append(int64(OpConst), int64(math.Float64bits(op.LitFloat)), 8)
	default:
		return b.append(int64(OpConst), op.LitInt, 8)
	}
}

// materializeOperand dispatches a register or literal operand.
func (b *Builder) materializeOperand(op SourceOperand) int {
	if op.Kind == SrcReg {
		return b.materializeReg(op.Reg)
	}
	return b.materializeLit(op)
}

// applyTemplate appends tpl's cells, rewriting 'l' link cells by the
// template's base offset in the tree and 'f' fill cells by the supplied
// operand node indices, and returns the tree-relative root.
func (b *Builder) applyTemplate(tpl Template, fills []int) int {
	base := len(b.nodes)
	for _, c := range tpl.Cells {
		switch c.Tag {
		case TagVerbatim:
			b.nodes = append(b.nodes, c.Val)
		case TagLink:
			b.nodes = append(b.nodes, c.Val+int64(base))
		case TagFill:
			b.nodes = append(b.nodes, int64(fills[c.Val]))
		}
	}
	return base + tpl.Root
}

// Build consumes a block's instruction stream and produces a Tree, or
// (nil, false) if the stream can't be fully tree-built -- a template
// miss or a non-primitive item (branch, guard, invoke, call-c, label),
// any of which spec.md §4.H treats as "abort the tree for this block;
// the caller falls back to per-instruction emission." No partial tree
// escapes an aborted build.
func Build(numLocals int, items []Item) (*Tree, bool) {
	b := NewBuilder(numLocals)
	for _, item := range items {
		if !item.IsPrimitive {
			return nil, false
		}
		if !b.step(item.Ins) {
			return nil, false
		}
	}
	b.flush()
	return &Tree{Nodes: b.nodes, Roots: b.roots}, true
}

// step applies one instruction to the builder state. It returns false on
// a template miss, signalling the caller to abort the whole-block tree
// attempt.
func (b *Builder) step(ins SourceIns) bool {
	switch ins.Special {
	case SpecialCopy:
		b.computed[ins.DestReg] = b.materializeRegFresh(ins.CopySrc)
		return true
	case SpecialConstInt, SpecialConstFloat:
		b.computed[ins.DestReg] = b.materializeLit(ins.Literal)
		return true
	case SpecialNull:
		b.computed[ins.DestReg] = b.append(int64(OpNullConst))
		return true
	}

	tpl, ok := templates[ins.TemplateOp]
	if !ok || !ins.WritesReg {
		return false
	}

	fills := make([]int, 0, len(ins.Args))
	for _, arg := range ins.Args {
		fills = append(fills, b.materializeOperand(arg))
	}
	root := b.applyTemplate(tpl, fills)
	b.computed[ins.DestReg] = root
	return true
}

// flush emits the trailing STORE roots spec.md §4.H requires: "for every
// computed[i] >= 0, emit a STORE(LOCAL ADDR, value, size) rooted,
// flushing live values back to the register file." This is the
// invariant later lowering relies on: at a block boundary every written
// local's committed value is back in WORK[local].
func (b *Builder) flush() {
	for reg, n := range b.computed {
		if n == None {
			continue
		}
		local := b.append(int64(OpLocal), int64(reg))
		addr := b.append(int64(OpAddr), int64(local), 0)
		store := b.append(int64(OpStore), int64(addr), int64(n), 8)
		b.roots = append(b.roots, store)
	}
}
