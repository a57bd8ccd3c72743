package vmrt

// Externs is the table of resolved call-target addresses for the eight
// named external C functions emitted code calls into (spec.md §6). The
// core never resolves these itself; an embedder fills this struct in
// (e.g. from cgo address shims, or from dlsym against a loaded runtime)
// and hands it to jit.NewEmitter. A zero value in any field means "this
// call path is unreachable for this compile" -- the emitter does not
// validate it, since whether a given opcode's extern is reachable is a
// property of which opcodes appear in the block being compiled.
type Externs struct {
	// GCAllocateZeroed backs sp_fastcreate.
	GCAllocateZeroed uintptr
	// GCWriteBarrierHit backs the write-barrier-hit primitive.
	GCWriteBarrierHit uintptr
	// FrameVivifyLexical backs getlex's cold vivification path.
	FrameVivifyLexical uintptr
	// ReprClone backs sp_p6oget_vc_o's vivify-clone path.
	ReprClone uintptr
	// SpeshDeoptOneDirect backs the guard/deopt protocol.
	SpeshDeoptOneDirect uintptr
	// ArgsPrepare backs invoke-sequence step 1.
	ArgsPrepare uintptr
	// FrameFindInvokeeMultiOK backs the non-fast invoke dispatch path.
	FrameFindInvokeeMultiOK uintptr
	// FrameInvokeCode backs the is_fast invoke dispatch path.
	FrameInvokeCode uintptr
}

// Valid reports whether every extern this emitter might ever need has been
// given a non-zero address. Individual compiles may not exercise every
// extern; this is a cheap embedder-side sanity check, not something the
// emitter itself enforces.
func (e Externs) Valid() bool {
	return e.GCAllocateZeroed != 0 &&
		e.GCWriteBarrierHit != 0 &&
		e.FrameVivifyLexical != 0 &&
		e.ReprClone != 0 &&
		e.SpeshDeoptOneDirect != 0 &&
		e.ArgsPrepare != 0 &&
		e.FrameFindInvokeeMultiOK != 0 &&
		e.FrameInvokeCode != 0
}
