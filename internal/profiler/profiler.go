// Package profiler implements the per-thread call-graph profiler spec.md
// §5-6 names as a secondary collaborator: the JIT calls its entry/exit and
// GC/spesh timing hooks, but the profiler's own bookkeeping (arena-
// allocated call-graph nodes, GC/spesh time discounting) is otherwise
// independent of code generation. Modeled here for its data-shape and
// concurrency contract, the same scope spec.md §1 gives it.
package profiler

import (
	"errors"
	"fmt"
)

// errSequenceLoss is the fatal condition spec.md §7 "Profiler sequence
// loss" names: a log_exit or log_unwind with no matching open call-graph
// node, which can only happen from a caller-side bug in hook pairing.
var errSequenceLoss = errors.New("profiler: log_exit/log_unwind with no open frame")

// Mode is the call-graph node's execution mode, per spec.md §6 "log_enter
// (tc, sf, mode ∈ {SPESH, SPESH_INLINE, JIT, JIT_INLINE, normal})".
type Mode int

const (
	ModeNormal Mode = iota
	ModeSpesh
	ModeSpeshInline
	ModeJIT
	ModeJITInline
)

func (m Mode) String() string {
	switch m {
	case ModeSpesh:
		return "spesh"
	case ModeSpeshInline:
		return "spesh_inline"
	case ModeJIT:
		return "jit"
	case ModeJITInline:
		return "jit_inline"
	default:
		return "normal"
	}
}

// nodeID indexes into a Thread's node arena. Index 0 is the first real
// node; noNode (-1) means "no node".
type nodeID int32

const noNode nodeID = -1

// node is one arena-allocated call-graph entry. parent is a weak
// back-pointer per spec.md §9 "Profiler call graph": it never outlives the
// arena itself, and is never freed out from under a live child, since a
// parent's node always stays allocated for as long as any child does.
type node struct {
	parent     nodeID
	sf         uintptr
	mode       Mode
	enteredAt  int64 // uv_hrtime() nanoseconds at log_enter
	selfNanos  int64 // wall clock attributed to this frame, GC/spesh discounted
	gcNanos    int64 // GC time charged against this frame while it was on stack
	speshNanos int64
	children   int
}

// ContData is the opaque continuation snapshot log_continuation_control
// hands back and log_continuation_invoke consumes, per spec.md §6. It
// captures the call-graph cursor at the moment of capture so a later
// resume can splice back in at the right ancestor rather than at whatever
// frame happens to be current when the continuation is invoked.
type ContData struct {
	cursor nodeID
}

// Thread is one native thread's call-graph state. Every mutation happens
// on the owning thread (spec.md §5 "Profiler hooks ... all mutations are
// on the owning thread and need no locking"), so Thread carries no
// synchronization of its own; a caller sharing a Thread across goroutines
// is responsible for its own exclusion.
type Thread struct {
	nodes  []node
	cursor nodeID // currently open frame, or noNode at the root

	// gcStart/speshStart are nanosecond timestamps set by log_gc_start /
	// log_spesh_start and consumed (cleared) by the matching _end call;
	// zero means "not currently in a GC/spesh pause".
	gcStart    int64
	speshStart int64

	// OnSequenceLoss, if set, is called instead of panicking when log_exit
	// or log_unwind observes an empty stack. Tests set this to capture the
	// error instead of crashing the test binary; production callers leave
	// it nil and get the documented fatal behavior.
	OnSequenceLoss func(error)
}

// NewThread allocates an empty call-graph for one native thread.
func NewThread() *Thread {
	return &Thread{cursor: noNode}
}

// LogEnter opens a new call-graph node for a frame entering execution in
// mode, recording nowNanos as its entry time. This core has no cgo bridge
// to uv_hrtime, so the timestamp is supplied by the caller.
func (t *Thread) LogEnter(sf uintptr, mode Mode, nowNanos int64) {
	id := nodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{parent: t.cursor, sf: sf, mode: mode, enteredAt: nowNanos})
	if t.cursor != noNode {
		t.nodes[t.cursor].children++
	}
	t.cursor = id
}

// LogExit closes the current frame normally, crediting its wall-clock time
// (minus anything already discounted for GC/spesh while it was the open
// frame) to that node, and moves the cursor back to its parent.
func (t *Thread) LogExit(nowNanos int64) {
	t.closeCurrent(nowNanos)
}

// LogUnwind closes the current frame via an exceptional unwind. Timing
// accounting is identical to LogExit; spec.md §6 distinguishes the two
// hooks only so an embedder's call-graph dump can mark how a frame ended.
func (t *Thread) LogUnwind(nowNanos int64) {
	t.closeCurrent(nowNanos)
}

func (t *Thread) closeCurrent(nowNanos int64) {
	if t.cursor == noNode {
		t.fail(errSequenceLoss)
		return
	}
	n := &t.nodes[t.cursor]
	elapsed := nowNanos - n.enteredAt
	n.selfNanos += elapsed - n.gcNanos - n.speshNanos
	t.cursor = n.parent
}

func (t *Thread) fail(err error) {
	if t.OnSequenceLoss != nil {
		t.OnSequenceLoss(err)
		return
	}
	panic(fmt.Sprintf("profiler: %v", err))
}

// LogContinuationControl captures the current cursor so a later resume can
// restore it, per spec.md §6 "log_continuation_control(tc, root) →
// ContData". root is accepted for interface parity with the real hook
// (the frame the continuation captures up to); this model needs only the
// cursor itself to restore correctly.
func (t *Thread) LogContinuationControl(root uintptr) ContData {
	return ContData{cursor: t.cursor}
}

// LogContinuationInvoke restores a previously captured cursor, splicing
// the call graph back in at the ancestor the continuation was captured
// from rather than at whatever frame happens to be open now.
func (t *Thread) LogContinuationInvoke(cd ContData) {
	t.cursor = cd.cursor
}

// LogAllocated is the allocation hook (spec.md §6 "log_allocated(tc,
// obj)"). It records nothing: no allocation count or size is kept for any
// frame, and obj is unused.
func (t *Thread) LogAllocated(obj uintptr) {
	_ = obj
}

// LogGCStart marks the beginning of a GC pause observed on this thread.
func (t *Thread) LogGCStart(full bool, nowNanos int64) {
	t.gcStart = nowNanos
}

// LogGCEnd closes a GC pause and discounts its duration from every node
// currently on the call stack, per spec.md §8 "Total reported call time
// equals wall-clock minus GC time ... for any ancestor on the stack during
// those events."
func (t *Thread) LogGCEnd(full bool, nowNanos int64) {
	if t.gcStart == 0 {
		return
	}
	elapsed := nowNanos - t.gcStart
	t.gcStart = 0
	t.discount(elapsed, func(n *node) *int64 { return &n.gcNanos })
}

// LogSpeshStart marks the beginning of a specialization pass observed on
// this thread.
func (t *Thread) LogSpeshStart(nowNanos int64) {
	t.speshStart = nowNanos
}

// LogSpeshEnd closes a specialization pass and discounts its duration the
// same way LogGCEnd does for GC.
func (t *Thread) LogSpeshEnd(nowNanos int64) {
	if t.speshStart == 0 {
		return
	}
	elapsed := nowNanos - t.speshStart
	t.speshStart = 0
	t.discount(elapsed, func(n *node) *int64 { return &n.speshNanos })
}

// discount adds elapsed to the named accumulator of every node currently
// on the call stack (the cursor and each of its ancestors), per spec.md
// §9's call-graph model: a back-pointer chain from cursor to the root is
// exactly "every active call-graph ancestor."
func (t *Thread) discount(elapsed int64, field func(*node) *int64) {
	for id := t.cursor; id != noNode; id = t.nodes[id].parent {
		n := &t.nodes[id]
		*field(n) += elapsed
	}
}

// LogOSR records an on-stack-replacement event against the current frame.
// jitted reports whether the replacement landed in JIT code (true) or fell
// back to the interpreter (false).
func (t *Thread) LogOSR(jitted bool) {
	if t.cursor == noNode {
		return
	}
	if jitted {
		t.nodes[t.cursor].mode = ModeJIT
	}
}

// LogDeoptOne records a single-frame deoptimization against the current
// frame, reverting its mode to normal interpretation.
func (t *Thread) LogDeoptOne() {
	if t.cursor == noNode {
		return
	}
	t.nodes[t.cursor].mode = ModeNormal
}

// LogDeoptAll records a deoptimization sweeping every frame on the stack.
func (t *Thread) LogDeoptAll() {
	for id := t.cursor; id != noNode; id = t.nodes[id].parent {
		t.nodes[id].mode = ModeNormal
	}
}

// SelfNanos returns the wall-clock time from the frame at id's entry to its
// exit, including time spent in its callees, net of the GC and spesh time
// charged to it, for a closed node. Exported for
// tests and for an embedder's call-graph dump.
func (t *Thread) SelfNanos(id int) int64 {
	return t.nodes[id].selfNanos
}

// Depth returns the current call-graph depth (0 at the root, with no open
// frame).
func (t *Thread) Depth() int {
	n := 0
	for id := t.cursor; id != noNode; id = t.nodes[id].parent {
		n++
	}
	return n
}
