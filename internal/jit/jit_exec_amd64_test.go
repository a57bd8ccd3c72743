package jit

import (
	"math"
	"testing"
	"unsafe"

	"mvmjit/internal/abi"
	"mvmjit/internal/vmrt"
)

// runBlock compiles g and executes it against a fresh WORK register file,
// returning the exit code and the final register contents. This is the
// same compile-link-execute path cmd/jitdemo drives, exercised directly
// against spec.md §8's end-to-end scenarios.
func runBlock(t *testing.T, g *Graph) (int64, []int64) {
	t.Helper()
	block, err := Compile(abi.Select(), vmrt.Externs{}, g, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer block.Exec.Free()

	work := make([]int64, g.Spesh.NumLocals)
	frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0])}
	tc := &vmrt.ThreadContext{CurFrame: frame}
	cu := &vmrt.CompUnit{}

	rv := Entry(block.Exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), block.EntryLabel)
	return rv, work
}

func prim(op Opcode, operands ...Operand) Node {
	return Node{Kind: NodePrimitive, Primitive: Ins{Op: op, Operands: operands}}
}

// TestConstRoundTrip proves spec.md §8 "Round-trip, constants": emitting
// const_i64 dst,v and executing the block leaves WORK[dst] = v bit-for-bit,
// including INT64_MIN.
func TestConstRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, math.MaxInt64, math.MinInt64} {
		g := &Graph{
			Spesh: SpeshContext{NumLocals: 1},
			Nodes: []Node{prim(OpConstI64, RegOperand(0), LitIntOperand(v))},
		}
		rv, work := runBlock(t, g)
		if rv != vmrt.ExitNormal {
			t.Fatalf("v=%d: exit code = %d, want ExitNormal", v, rv)
		}
		if work[0] != v {
			t.Fatalf("v=%d: WORK[0] = %d, want %d", v, work[0], v)
		}
	}
}

// TestCompileBlockUsesExpressionTree proves the expression-tree pipeline
// (component H) produces the same observable result as the linear
// emitter for a block it can fully represent, per spec.md §9 "either
// pipeline" and the teacher's "two pipelines coexist" design note.
func TestCompileBlockUsesExpressionTree(t *testing.T) {
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 4},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(2)),
			prim(OpConstI64, RegOperand(1), LitIntOperand(3)),
			prim(OpAddI, RegOperand(2), RegOperand(0), RegOperand(1)),
			prim(OpSet, RegOperand(3), RegOperand(2)),
		},
	}
	compiler := &Compiler{Profile: abi.Select()}
	block, err := compiler.CompileBlock(g)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}
	if !block.UsedTree {
		t.Fatalf("CompileBlock did not take the expression-tree path for a fully tree-representable block")
	}
	defer block.Exec.Free()

	work := make([]int64, g.Spesh.NumLocals)
	frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0])}
	tc := &vmrt.ThreadContext{CurFrame: frame}
	cu := &vmrt.CompUnit{}
	rv := Entry(block.Exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), block.EntryLabel)

	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal", rv)
	}
	if work[3] != 5 {
		t.Fatalf("WORK[3] = %d, want 5", work[3])
	}
}

// TestArithmeticAddSubMul proves spec.md §8's two's-complement property
// for add/sub/mul, and scenario 1 ("const_i64 r0,42; add_i r1,r0,r0;
// exit" -> WORK[1]=84, exit=0).
func TestArithmeticAddSubMul(t *testing.T) {
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 4},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(42)),
			prim(OpAddI, RegOperand(1), RegOperand(0), RegOperand(0)),
			prim(OpSubI, RegOperand(2), RegOperand(1), RegOperand(0)),
			prim(OpMulI, RegOperand(3), RegOperand(1), RegOperand(0)),
		},
	}
	rv, work := runBlock(t, g)
	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal", rv)
	}
	if work[1] != 84 {
		t.Fatalf("WORK[1] = %d, want 84", work[1])
	}
	if work[2] != 42 {
		t.Fatalf("WORK[2] = %d, want 42", work[2])
	}
	if work[3] != 3528 {
		t.Fatalf("WORK[3] = %d, want 3528", work[3])
	}
}

func TestArithmeticDivModTruncation(t *testing.T) {
	cases := []struct{ a, b, wantDiv, wantMod int64 }{
		{7, 2, 3, 1},
		{-7, 2, -3, -1},
		{7, -2, -3, 1},
		{-7, -2, 3, -1},
	}
	for _, c := range cases {
		g := &Graph{
			Spesh: SpeshContext{NumLocals: 4},
			Nodes: []Node{
				prim(OpConstI64, RegOperand(0), LitIntOperand(c.a)),
				prim(OpConstI64, RegOperand(1), LitIntOperand(c.b)),
				prim(OpDivI, RegOperand(2), RegOperand(0), RegOperand(1)),
				prim(OpModI, RegOperand(3), RegOperand(0), RegOperand(1)),
			},
		}
		_, work := runBlock(t, g)
		if work[2] != c.wantDiv {
			t.Fatalf("%d/%d: div = %d, want %d (truncate toward zero)", c.a, c.b, work[2], c.wantDiv)
		}
		if work[3] != c.wantMod {
			t.Fatalf("%d%%%d: mod = %d, want %d (sign of dividend)", c.a, c.b, work[3], c.wantMod)
		}
	}
}

// TestComparisonProducesBoolean proves spec.md §8 "Comparison": setcc
// emits exactly {0,1}, matching scenario 1's compare sibling.
func TestComparisonProducesBoolean(t *testing.T) {
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 3},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(5)),
			prim(OpConstI64, RegOperand(1), LitIntOperand(1)),
			prim(OpGtI, RegOperand(2), RegOperand(0), RegOperand(1)),
		},
	}
	_, work := runBlock(t, g)
	if work[2] != 1 {
		t.Fatalf("5 > 1: WORK[2] = %d, want 1", work[2])
	}

	g2 := &Graph{
		Spesh: SpeshContext{NumLocals: 3},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(1)),
			prim(OpConstI64, RegOperand(1), LitIntOperand(5)),
			prim(OpGtI, RegOperand(2), RegOperand(0), RegOperand(1)),
		},
	}
	_, work2 := runBlock(t, g2)
	if work2[2] != 0 {
		t.Fatalf("1 > 5: WORK[2] = %d, want 0", work2[2])
	}
}

// TestCoerceRoundTrip proves spec.md §8's coercion identity for integral
// doubles: coerce_ni(coerce_in(v)) == v.
func TestCoerceRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1000, -999999} {
		g := &Graph{
			Spesh: SpeshContext{NumLocals: 3},
			Nodes: []Node{
				prim(OpConstI64, RegOperand(0), LitIntOperand(v)),
				prim(OpCoerceIN, RegOperand(1), RegOperand(0)),
				prim(OpCoerceNI, RegOperand(2), RegOperand(1)),
			},
		}
		_, work := runBlock(t, g)
		if work[2] != v {
			t.Fatalf("v=%d: coerce_ni(coerce_in(v)) = %d", v, work[2])
		}
	}
}

// TestSetIsPureCopy proves the set primitive copies without mutating the
// source slot.
func TestSetIsPureCopy(t *testing.T) {
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 2},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(7)),
			prim(OpSet, RegOperand(1), RegOperand(0)),
		},
	}
	_, work := runBlock(t, g)
	if work[0] != 7 || work[1] != 7 {
		t.Fatalf("WORK = %v, want [7 7]", work)
	}
}

// TestBranchToExit proves an unconditional Branch to the EXIT sentinel
// reaches the global exit label rather than falling through further
// primitives.
func TestBranchToExit(t *testing.T) {
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 1},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(1)),
			{Kind: NodeBranch, Branch: BranchSpec{Target: BranchTarget{IsExit: true}}},
			prim(OpConstI64, RegOperand(0), LitIntOperand(99)),
		},
	}
	rv, work := runBlock(t, g)
	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal", rv)
	}
	if work[0] != 1 {
		t.Fatalf("WORK[0] = %d, want 1 (branch to exit must skip the trailing const)", work[0])
	}
}

// TestConditionalBranch proves if_i/unless_i test the register and jump
// only on the documented condition.
func TestConditionalBranch(t *testing.T) {
	run := func(testVal int64, cond BranchCond) (int64, []int64) {
		e, err := NewEmitter(abi.Select(), vmrt.Externs{})
		if err != nil {
			t.Fatalf("NewEmitter: %v", err)
		}
		skip := e.Assembler().LabelAlloc()
		g := &Graph{
			Spesh: SpeshContext{NumLocals: 2},
			Nodes: []Node{
				prim(OpConstI64, RegOperand(0), LitIntOperand(testVal)),
				prim(OpConstI64, RegOperand(1), LitIntOperand(0)),
				{Kind: NodeBranch, Branch: BranchSpec{Target: BranchTarget{Label: skip}, Cond: cond, Reg: 0}},
				prim(OpConstI64, RegOperand(1), LitIntOperand(1)),
				{Kind: NodeLabel, LabelName: skip},
			},
		}

		entryID := e.Assembler().LabelAlloc()
		e.Prologue()
		e.Assembler().LabelHere(entryID)
		if err := e.emitLinear(g); err != nil {
			t.Fatalf("emitLinear: %v", err)
		}
		e.Epilogue()
		exec, err := e.Assembler().Link()
		if err != nil {
			t.Fatalf("Link: %v", err)
		}
		defer exec.Free()
		entryOff, ok := e.Assembler().LabelOffset(entryID)
		if !ok {
			t.Fatalf("entry label never placed")
		}

		work := make([]int64, g.Spesh.NumLocals)
		frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0])}
		tc := &vmrt.ThreadContext{CurFrame: frame}
		cu := &vmrt.CompUnit{}
		rv := Entry(exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), exec.Addr()+uintptr(entryOff))
		return rv, work
	}

	// if_i: test register non-zero -> jump over the "set WORK[1]=1".
	if _, work := run(1, BranchIfI); work[1] != 0 {
		t.Fatalf("if_i with nonzero test: WORK[1] = %d, want 0 (jumped over)", work[1])
	}
	if _, work := run(0, BranchIfI); work[1] != 1 {
		t.Fatalf("if_i with zero test: WORK[1] = %d, want 1 (fell through)", work[1])
	}
	// unless_i: test register zero -> jump.
	if _, work := run(0, BranchUnlessI); work[1] != 0 {
		t.Fatalf("unless_i with zero test: WORK[1] = %d, want 0 (jumped over)", work[1])
	}
	if _, work := run(1, BranchUnlessI); work[1] != 1 {
		t.Fatalf("unless_i with nonzero test: WORK[1] = %d, want 1 (fell through)", work[1])
	}
}

// TestInvokeFastAndNonFastCompile proves both invoke dispatch shapes from
// spec.md §4.G step 8 assemble and link into valid code: the is_fast path
// calling MVM_frame_invoke_code directly, and the non-fast path pushing a
// callsite slot, calling MVM_frame_find_invokee_multi_ok with ARG3=rsp,
// then dispatching indirectly through code.st.invoke. Neither path is
// executed here since MVM_frame_find_invokee_multi_ok/code.st.invoke are
// external collaborators this core only contracts with (spec.md §6), not
// implements -- the same "compiles and links" discipline
// TestGuardTypeMismatchCompiles uses for the deopt extern.
func TestInvokeFastAndNonFastCompile(t *testing.T) {
	for _, fast := range []bool{true, false} {
		e, err := NewEmitter(abi.Select(), vmrt.Externs{})
		if err != nil {
			t.Fatalf("NewEmitter: %v", err)
		}
		reentry := e.Assembler().LabelAlloc()
		g := &Graph{
			Spesh: SpeshContext{NumLocals: 2},
			Nodes: []Node{
				prim(OpConstI64, RegOperand(0), LitIntOperand(0)), // code reg
				{Kind: NodeInvoke, Invoke: InvokeSpec{
					CallsiteIdx: 0,
					Args: []InvokeArg{
						{Kind: InvokeArgConstI, DstSlot: 0, LitI: 7},
					},
					CodeReg:      0,
					ReturnType:   InvokeVoid,
					ReturnReg:    1,
					ReentryLabel: reentry,
					IsFast:       fast,
					SpeshCandID:  0,
				}},
			},
		}

		entryID := e.Assembler().LabelAlloc()
		e.Prologue()
		e.Assembler().LabelHere(entryID)
		if err := e.emitLinear(g); err != nil {
			t.Fatalf("fast=%v: emitLinear: %v", fast, err)
		}
		e.Epilogue()
		exec, err := e.Assembler().Link()
		if err != nil {
			t.Fatalf("fast=%v: Link: %v", fast, err)
		}
		exec.Free()
	}
}

// TestPrologueJumpsToRuntimeSuppliedEntryLabel proves Prologue honors
// ARG3 per spec.md §4.D ("jump to ARG3, the entry label within the
// compiled block") rather than always resuming at the same static body
// offset. Entry is called twice against the same compiled block: once
// with EntryLabel (the body start, where the first const runs and an exit
// branch then skips the second) and once with a second label placed
// mid-block (landing on the second const only), so the two runs must
// disagree on WORK[0].
func TestPrologueJumpsToRuntimeSuppliedEntryLabel(t *testing.T) {
	e, err := NewEmitter(abi.Select(), vmrt.Externs{})
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	entryID := e.Assembler().LabelAlloc()
	mid := e.Assembler().LabelAlloc()
	e.Prologue()
	e.Assembler().LabelHere(entryID)
	g := &Graph{
		Spesh: SpeshContext{NumLocals: 1},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(1)),
			{Kind: NodeBranch, Branch: BranchSpec{Target: BranchTarget{IsExit: true}}},
		},
	}
	if err := e.emitLinear(g); err != nil {
		t.Fatalf("emitLinear: %v", err)
	}
	e.Assembler().LabelHere(mid)
	g2 := &Graph{
		Spesh: SpeshContext{NumLocals: 1},
		Nodes: []Node{prim(OpConstI64, RegOperand(0), LitIntOperand(2))},
	}
	if err := e.emitLinear(g2); err != nil {
		t.Fatalf("emitLinear: %v", err)
	}
	e.Epilogue()

	exec, err := e.Assembler().Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer exec.Free()

	entryOff, ok := e.Assembler().LabelOffset(entryID)
	if !ok {
		t.Fatalf("entry label never placed")
	}
	midOff, ok := e.Assembler().LabelOffset(mid)
	if !ok {
		t.Fatalf("mid label never placed")
	}

	runAt := func(label uintptr) int64 {
		work := make([]int64, 1)
		frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0])}
		tc := &vmrt.ThreadContext{CurFrame: frame}
		cu := &vmrt.CompUnit{}
		Entry(exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), label)
		return work[0]
	}

	if got := runAt(exec.Addr() + uintptr(entryOff)); got != 1 {
		t.Fatalf("entering at body start: WORK[0] = %d, want 1 (the exit branch skips the second const)", got)
	}
	if got := runAt(exec.Addr() + uintptr(midOff)); got != 2 {
		t.Fatalf("entering mid-block: WORK[0] = %d, want 2 (only the second const ran -- prologue ignored ARG3)", got)
	}
}
