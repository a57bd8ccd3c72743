// Package vmrt fixes the Go-struct shapes that emitted JIT code indexes
// into. It does not implement the interpreter, GC, or frame allocator --
// those remain external collaborators named only by contract, exactly as
// spec.md describes them. vmrt exists so the emitter (internal/jit) has
// concrete field offsets to compute instead of magic numbers.
package vmrt

import "unsafe"

// ObjFlags mirrors the subset of an object header's flag bits the JIT
// cares about.
type ObjFlags uint16

const (
	// FlagSecondGen marks an object as belonging to the GC's old
	// generation (MVM_CF_SECOND_GEN in the original).
	FlagSecondGen ObjFlags = 1 << 0
	// FlagTypeObject marks an object as a type object rather than a
	// concrete instance (MVM_CF_TYPE_OBJECT in the original).
	FlagTypeObject ObjFlags = 1 << 1
)

// STable is the "shared table" describing an object's type, representation
// and meta-protocol. Only the fields the JIT touches are modeled.
type STable struct {
	HOW    uintptr
	WHAT   uintptr
	Invoke uintptr // function pointer used by the non-fast invoke path
	Size   uint16  // representation size in bytes, used by sp_fastcreate
}

// ObjHeader is the common prefix of every heap object the JIT manipulates.
type ObjHeader struct {
	STable *STable
	Flags  ObjFlags
	Size   uint16
	Owner  uint32
}

// Object is a generic heap object: header followed by an opaque body. Only
// used to compute field offsets; the body layout is representation-specific
// and opaque to the JIT.
type Object struct {
	ObjHeader
	Body [0]byte
}

// P6opaqueBody models the "possibly replaced inline body" described in the
// glossary (p6opaque). When Replaced is non-nil, field offsets are relative
// to *Replaced instead of to &Body[0].
type P6opaqueBody struct {
	Replaced unsafe.Pointer
	Data     [0]byte
}

// Frame is the subset of a call frame's fields emitted code reads or
// writes, per spec.md §6 "Frame contract consumed".
type Frame struct {
	Work                unsafe.Pointer // WORK base: current frame's register file
	Params              FrameParams
	Args                unsafe.Pointer
	Outer               *Frame
	Env                 unsafe.Pointer // lexical environment slots
	EffectiveSpeshSlots unsafe.Pointer
	ReturnType          int32 // must be 32 bits -- layout-checked at build time
	ReturnValue         unsafe.Pointer
	ReturnAddress       uintptr
	JitEntryLabel       uintptr
}

// Frame.ReturnType is written with a 32-bit store; this index is out of
// range, and the package fails to compile, if the field is any other width.
var _ = [1]struct{}{}[unsafe.Sizeof(Frame{}.ReturnType)-4]

// FrameParams holds the incoming-argument register base.
type FrameParams struct {
	Args unsafe.Pointer
}

// CompUnit is the compilation unit: bytecode, string table, coderefs.
type CompUnit struct {
	Body CompUnitBody
}

type CompUnitBody struct {
	Strings  []uintptr // string-table, index -> string object pointer
	Coderefs []uintptr
}

// Instance holds VM-global singletons reachable off the thread context.
type Instance struct {
	VMNull uintptr
}

// ThreadContext is the VM's per-thread state handle (TC).
type ThreadContext struct {
	CurFrame        *Frame
	CurDispatcher   uintptr
	Instance        *Instance
	InterpCurOp     *uintptr
	ThreadID        uint32
	ProfData        uintptr
	GCPromotedBytes uint64
}

// Callsite describes the argument shape (count, types, names) used by the
// calling convention machinery. Opaque to the JIT beyond its address.
type Callsite struct {
	NumArgs int32
	Flags   []byte
}

// ReturnMode enumerates how a CallC's return value should be disposed of.
type ReturnMode int

const (
	RVVoid ReturnMode = iota
	RVInt
	RVPtr
	RVNum
	RVDeref
	RVAddr
)

// DeoptSentinel is the value jit.Entry returns when execution fell through a
// guard (spec.md §6).
const DeoptSentinel int64 = -1

const (
	// ExitNormal is returned by a normal fall-through to the `exit` label.
	ExitNormal int64 = 0
	// ExitContinueInterp is returned after an invoke hands control back to
	// the interpreter.
	ExitContinueInterp int64 = 1
)
