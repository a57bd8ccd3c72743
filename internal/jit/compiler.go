package jit

import (
	"fmt"
	"io"

	"mvmjit/internal/abi"
	"mvmjit/internal/asmx64"
	"mvmjit/internal/exprtree"
	"mvmjit/internal/vmrt"
)

// CompiledBlock is the linked, page-executable result of compiling one
// Graph, plus whether the expression-tree path produced it (spec.md §3
// "Lifecycle" step 3: "assembler links and maps executable. Buffer
// ownership transfers to the VM runtime at link time").
type CompiledBlock struct {
	Exec *asmx64.Executable
	// EntryLabel is the native address of the block's body, past the
	// prologue. It is the value a first (non-reentrant) call should pass
	// as jit_entry's entry_label argument; Exec.Addr() is the address to
	// call in to instead (the fixed function entry point both a fresh
	// call and a reentry call share).
	EntryLabel uintptr
	UsedTree   bool
}

// Compiler drives a single basic block through the two coexisting
// pipelines spec.md §9 describes: the expression-tree builder is
// attempted first; a template miss (or any non-primitive node, since this
// core's tree pipeline only models pure expressions) falls through to
// per-instruction emission via EmitIns/EmitBranch/EmitGuard/EmitCallC/
// EmitInvoke. Either way the result is the same linear stream of obj.Prog
// instructions handed to the assembler facade.
type Compiler struct {
	Profile abi.Profile
	Externs vmrt.Externs

	// Trace, if set, is attached to every Emitter this Compiler builds --
	// the JIT analogue of the teacher repo's -debug flag.
	Trace io.Writer
}

// CompileBlock attempts the expression-tree path for g first, falling back
// to the linear emitter on any template miss or non-primitive node. This
// is the entry point cmd/jitdemo and any future spesh-graph producer are
// expected to call; Compile below stays available for a caller that has
// already built (or deliberately wants to skip) the tree itself.
func (c *Compiler) CompileBlock(g *Graph) (*CompiledBlock, error) {
	tree, ok := buildTree(g)
	if !ok {
		tree = nil
	}
	return compile(c.Profile, c.Externs, c.Trace, g, tree)
}

// Compile lowers g into a linked, executable block. tree, if non-nil, is
// used for the expression-tree path; passing nil skips straight to the
// linear emitter, which is always correct (the tree path is a pure
// optimization, never required for correctness, per spec.md §9 "An
// implementation may ship either first").
func Compile(profile abi.Profile, externs vmrt.Externs, g *Graph, tree *exprtree.Tree) (*CompiledBlock, error) {
	return compile(profile, externs, nil, g, tree)
}

func compile(profile abi.Profile, externs vmrt.Externs, trace io.Writer, g *Graph, tree *exprtree.Tree) (*CompiledBlock, error) {
	e, err := NewEmitter(profile, externs)
	if err != nil {
		return nil, err
	}
	e.Trace = trace

	entry := e.Assembler().LabelAlloc()
	e.Prologue()
	e.Assembler().LabelHere(entry)

	usedTree := false
	if tree != nil {
		if err := e.emitTree(tree); err != nil {
			return nil, fmt.Errorf("jit: tree lowering: %w", err)
		}
		usedTree = true
	} else {
		if err := e.emitLinear(g); err != nil {
			return nil, fmt.Errorf("jit: linear lowering: %w", err)
		}
	}

	e.Epilogue()

	exec, err := e.Assembler().Link()
	if err != nil {
		return nil, fmt.Errorf("jit: link: %w", err)
	}
	entryOff, ok := e.Assembler().LabelOffset(entry)
	if !ok {
		return nil, fmt.Errorf("jit: entry label never placed")
	}
	return &CompiledBlock{
		Exec:       exec,
		EntryLabel: exec.Addr() + uintptr(entryOff),
		UsedTree:   usedTree,
	}, nil
}

// emitLinear lowers every node of g through the per-opcode/per-kind
// emitters (components E, F, G), in source order, per spec.md §5
// "Ordering. Within a basic block, the emitter produces instructions in
// source order."
func (e *Emitter) emitLinear(g *Graph) error {
	for _, node := range g.Nodes {
		switch node.Kind {
		case NodePrimitive:
			if err := e.EmitIns(node.Primitive); err != nil {
				return err
			}
		case NodeCallC:
			if err := e.EmitCallC(node.CallC); err != nil {
				return err
			}
		case NodeBranch:
			if err := e.EmitBranch(node.Branch); err != nil {
				return err
			}
		case NodeLabel:
			e.EmitLabel(node.LabelName)
		case NodeGuard:
			e.EmitGuard(node.Guard)
		case NodeInvoke:
			if err := e.EmitInvoke(node.Invoke); err != nil {
				return err
			}
		}
	}
	return nil
}
