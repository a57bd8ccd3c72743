package jit

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/abi"
	"mvmjit/internal/vmrt"
)

// bindTestObj mirrors an ObjHeader immediately followed by an inlined
// (non-replaced) P6opaqueBody, matching the p6oBodyOffset/p6oReplacedOffset
// layout emitP6oBind/p6oFieldAddr assume.
type bindTestObj struct {
	vmrt.ObjHeader
	Replaced unsafe.Pointer
	Field0   int64
}

// TestGuardTypePassFallsThrough proves EmitGuard's GuardType check takes
// the pass branch (no deopt call) when the object's STable matches the
// spesh slot, per spec.md §4.F's guard protocol.
func TestGuardTypePassFallsThrough(t *testing.T) {
	st := &vmrt.STable{Size: 24}
	obj := &vmrt.Object{ObjHeader: vmrt.ObjHeader{STable: st, Flags: vmrt.FlagTypeObject}}
	effSlots := []int64{int64(uintptr(unsafe.Pointer(st)))}

	g := &Graph{
		Spesh: SpeshContext{NumLocals: 2},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(int64(uintptr(unsafe.Pointer(obj))))),
			{Kind: NodeGuard, Guard: GuardSpec{Kind: GuardType, ObjReg: 0, SpeshSlotIdx: 0}},
			prim(OpConstI64, RegOperand(1), LitIntOperand(7)),
		},
	}

	block, err := Compile(abi.Select(), vmrt.Externs{}, g, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer block.Exec.Free()

	work := make([]int64, g.Spesh.NumLocals)
	frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0]), EffectiveSpeshSlots: unsafe.Pointer(&effSlots[0])}
	tc := &vmrt.ThreadContext{CurFrame: frame}
	cu := &vmrt.CompUnit{}

	rv := Entry(block.Exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), block.EntryLabel)
	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal (guard should not have deopted)", rv)
	}
	if work[1] != 7 {
		t.Fatalf("WORK[1] = %d, want 7 (guard incorrectly took the deopt branch)", work[1])
	}
	runtime.KeepAlive(obj)
	runtime.KeepAlive(st)
	runtime.KeepAlive(effSlots)
}

// TestGuardTypeMismatchCompiles proves a failing guard still assembles
// into valid, linkable code. The deopt call targets
// externs.SpeshDeoptOneDirect, an external collaborator this core only
// contracts with (spec.md §6) and does not implement, so the mismatch
// path is checked for shape (it compiles and links) rather than executed.
func TestGuardTypeMismatchCompiles(t *testing.T) {
	st := &vmrt.STable{}
	other := &vmrt.STable{}
	obj := &vmrt.Object{ObjHeader: vmrt.ObjHeader{STable: st}}
	effSlots := []int64{int64(uintptr(unsafe.Pointer(other)))}

	g := &Graph{
		Spesh: SpeshContext{NumLocals: 1},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(int64(uintptr(unsafe.Pointer(obj))))),
			{Kind: NodeGuard, Guard: GuardSpec{Kind: GuardType, ObjReg: 0, SpeshSlotIdx: 0, DeoptOffset: 4, DeoptTarget: 8}},
		},
	}

	block, err := Compile(abi.Select(), vmrt.Externs{}, g, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer block.Exec.Free()
	if block.Exec.Addr() == 0 {
		t.Fatalf("linked executable has a zero address")
	}
	runtime.KeepAlive(effSlots)
}

// deoptCall records one MVM_spesh_deopt_one_direct(tc, offset, target)
// invocation, as observed by the machine-code stub buildMockDeopt hands
// back in place of a real SpeshDeoptOneDirect extern.
type deoptCall struct {
	called int64
	offset int64
	target int64
}

// buildMockDeopt assembles, via this package's own Emitter (the same
// primitives ops.go/control.go use), a tiny function matching
// SpeshDeoptOneDirect's (tc, offset, target) SysV/Win64 signature: it
// records its second and third arguments into out and returns. Using the
// project's own assembler to stand in for an external collaborator, rather
// than reaching for cgo, keeps scenario 4's end-to-end deopt test (spec.md
// §8) runnable without a real VM runtime behind it.
func buildMockDeopt(t *testing.T, profile abi.Profile, out *deoptCall) uintptr {
	t.Helper()
	e, err := NewEmitter(profile, vmrt.Externs{})
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	intArg1, err1 := e.profile.IntArg(1)
	intArg2, err2 := e.profile.IntArg(2)
	if err1 != nil || err2 != nil {
		t.Fatalf("profile has no arg1/arg2 registers")
	}

	e.movImm64(x86.REG_AX, int64(uintptr(unsafe.Pointer(&out.called))))
	e.movImm64(x86.REG_CX, 1)
	e.storeMem(x86.REG_AX, 0, x86.REG_CX)

	e.movImm64(x86.REG_AX, int64(uintptr(unsafe.Pointer(&out.offset))))
	e.storeMem(x86.REG_AX, 0, intArg1)

	e.movImm64(x86.REG_AX, int64(uintptr(unsafe.Pointer(&out.target))))
	e.storeMem(x86.REG_AX, 0, intArg2)

	e.prog0(obj.ARET)

	exec, err := e.asm.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	t.Cleanup(func() { exec.Free() })
	return exec.Addr()
}

// TestGuardConcPassFallsThrough proves GuardConc's check takes the pass
// branch for a concrete (non-type-object) instance whose STable matches
// the spesh slot.
func TestGuardConcPassFallsThrough(t *testing.T) {
	st := &vmrt.STable{Size: 24}
	obj := &vmrt.Object{ObjHeader: vmrt.ObjHeader{STable: st}}
	effSlots := []int64{int64(uintptr(unsafe.Pointer(st)))}

	g := &Graph{
		Spesh: SpeshContext{NumLocals: 2},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(int64(uintptr(unsafe.Pointer(obj))))),
			{Kind: NodeGuard, Guard: GuardSpec{Kind: GuardConc, ObjReg: 0, SpeshSlotIdx: 0}},
			prim(OpConstI64, RegOperand(1), LitIntOperand(7)),
		},
	}

	block, err := Compile(abi.Select(), vmrt.Externs{}, g, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer block.Exec.Free()

	work := make([]int64, g.Spesh.NumLocals)
	frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0]), EffectiveSpeshSlots: unsafe.Pointer(&effSlots[0])}
	tc := &vmrt.ThreadContext{CurFrame: frame}
	cu := &vmrt.CompUnit{}

	rv := Entry(block.Exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), block.EntryLabel)
	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal (guard should not have deopted)", rv)
	}
	if work[1] != 7 {
		t.Fatalf("WORK[1] = %d, want 7 (guard incorrectly took the deopt branch)", work[1])
	}
	runtime.KeepAlive(obj)
	runtime.KeepAlive(st)
	runtime.KeepAlive(effSlots)
}

// TestGuardConcNullDeoptsWithoutCrashing proves spec.md §8 end-to-end
// scenario 4: "sp_guardconc r0, slot=5; const_i64 r1,1; exit with
// WORK[0]=NULL -> return value DEOPT, MVM_spesh_deopt_one_direct called
// once with (offset, target) from the guard." A null object must be
// rejected by the non-null check before any flag/STable dereference, or
// this test crashes instead of returning cleanly.
func TestGuardConcNullDeoptsWithoutCrashing(t *testing.T) {
	profile := abi.Select()
	var calls deoptCall
	deopt := buildMockDeopt(t, profile, &calls)

	g := &Graph{
		Spesh: SpeshContext{NumLocals: 2},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(0)), // WORK[0] = NULL
			{Kind: NodeGuard, Guard: GuardSpec{
				Kind: GuardConc, ObjReg: 0, SpeshSlotIdx: 0,
				DeoptOffset: 11, DeoptTarget: 22,
			}},
			prim(OpConstI64, RegOperand(1), LitIntOperand(1)),
		},
	}

	block, err := Compile(profile, vmrt.Externs{SpeshDeoptOneDirect: deopt}, g, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer block.Exec.Free()

	work := make([]int64, g.Spesh.NumLocals)
	frame := &vmrt.Frame{Work: unsafe.Pointer(&work[0])}
	tc := &vmrt.ThreadContext{CurFrame: frame}
	cu := &vmrt.CompUnit{}

	rv := Entry(block.Exec.Addr(), uintptr(unsafe.Pointer(tc)), uintptr(unsafe.Pointer(cu)), block.EntryLabel)

	if rv != vmrt.DeoptSentinel {
		t.Fatalf("exit code = %d, want DeoptSentinel", rv)
	}
	if work[1] != 0 {
		t.Fatalf("WORK[1] = %d, want 0 (post-guard instruction must not have run)", work[1])
	}
	if calls.called != 1 {
		t.Fatalf("deopt called %d times, want exactly 1", calls.called)
	}
	if calls.offset != 11 || calls.target != 22 {
		t.Fatalf("deopt called with (offset=%d, target=%d), want (11, 22)", calls.offset, calls.target)
	}
}

// TestP6oBindSkipsWriteBarrierOnNullRef proves emitP6oBind's skip branch
// is taken (no write_barrier_hit call) when the bound value is NULL, per
// spec.md §4.D's write-barrier check semantics: AH (ref non-null and
// young) is forced 0 regardless of the root's generation.
func TestP6oBindSkipsWriteBarrierOnNullRef(t *testing.T) {
	root := &bindTestObj{ObjHeader: vmrt.ObjHeader{Flags: vmrt.FlagSecondGen}}

	g := &Graph{
		Spesh: SpeshContext{NumLocals: 2},
		Nodes: []Node{
			prim(OpConstI64, RegOperand(0), LitIntOperand(int64(uintptr(unsafe.Pointer(root))))),
			prim(OpConstI64, RegOperand(1), LitIntOperand(0)),
			{Kind: NodePrimitive, Primitive: Ins{
				Op:       OpSpP6oBindO,
				Operands: []Operand{RegOperand(0), LitIntOperand(8), RegOperand(1)},
			}},
		},
	}

	rv, _ := runBlock(t, g)
	if rv != vmrt.ExitNormal {
		t.Fatalf("exit code = %d, want ExitNormal", rv)
	}
	if root.Field0 != 0 {
		t.Fatalf("root.Field0 = %d, want 0", root.Field0)
	}
	runtime.KeepAlive(root)
}
