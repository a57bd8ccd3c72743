package jit

// Entry invokes a compiled block, following the entry ABI spec.md §6
// names: ret = jit_entry(tc, cu, entry_label). code is the mapped
// executable's address (asmx64.Executable.Addr()); tc and cu are the
// MVMThreadContext*/MVMCompUnit* pointers the embedding runtime owns;
// entryLabel is the runtime address execution should resume at -- on a
// first call this is the block's CompiledBlock.EntryLabel (the body start,
// past Prologue), and on a re-entry after an invoke continuation it's the
// reentry label address recorded into the callee frame's jit_entry_label
// field by EmitInvoke (internal/jit/invoke.go step 8). Prologue jumps to
// this address indirectly through the register it arrives in, so the two
// cases reuse the same compiled block without recompiling. Returns
// vmrt.ExitNormal, vmrt.ExitContinueInterp or vmrt.DeoptSentinel.
//
// Implemented in entry_amd64.s: a small trampoline that places the three
// arguments in rdi/rsi/rdx per the SysV convention Prologue assumes and
// issues a native call, bridging Go's own calling convention into it. This
// is the same shape the teacher pack's wazero JIT engine names as
// `jitcall` -- a Go-declared, body-less function backed by a hand-written
// stub -- and carries the same caveat that engine documents: calling
// straight into native code with a bare CALL risks the callee clobbering
// state the Go runtime's internal ABI relies on (the goroutine pointer
// kept in R14 on newer Go versions) if the goroutine is ever preempted
// mid-block. This core accepts that risk rather than reproducing wazero's
// full preemption-avoidance machinery, since doing so is out of spec.md's
// scope; an embedder sensitive to it should pin the calling goroutine to
// its OS thread for the duration of jit.Entry.
func Entry(code, tc, cu, entryLabel uintptr) int64
