package jit

import (
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"mvmjit/internal/regalloc"
)

// EmitInvoke lowers an Invoke node: the nine-step call-a-VM-level-routine
// sequence from spec.md §4.G.
//  1. call MVM_args_prepare(tc, callsite), keeping the returned callsite
//  2. fetch cur_frame.args, the args buffer
//  3. stage every InvokeArg into it
//  4. load the callee code object
//  5. set cur_frame.return_type
//  6. set cur_frame.return_value
//  7. set cur_frame.return_address to *tc.interp_cur_op
//  8. set cur_frame.jit_entry_label to this call's reentry label
//  9. dispatch: either MVM_frame_invoke_code (fast) or
//     MVM_frame_find_invokee_multi_ok followed by an indirect call through
//     code.st.invoke (non-fast); then RV=1 and a jump to `out` so the
//     interpreter's invoke loop takes over.
func (e *Emitter) EmitInvoke(inv InvokeSpec) error {
	intArg0, _ := e.profile.IntArg(0)
	intArg1, _ := e.profile.IntArg(1)

	// 1: MVM_args_prepare(tc, callsite_idx) -- this returns the callsite
	// descriptor, not an args buffer (original `:1413`, "store callsite in
	// tmp6"). No register survives a C call under either ABI profile, so
	// it's pushed immediately and reloaded off the stack wherever it's
	// needed below, per the original's push/pop discipline rather than
	// trusting TMP5/TMP6 to still hold it afterwards.
	e.movRegReg(intArg0, regalloc.TC.Reg())
	e.movImm64(intArg1, int64(inv.CallsiteIdx))
	e.ccallTrampoline(e.externs.ArgsPrepare)
	e.pushReg(x86.REG_AX) // callsite

	// 2: cur_frame.args -- a distinct buffer from the callsite descriptor
	// above (spec.md §4.G step 2; original `:1422`,
	// `mov TMP5, FRAME:TMP1->args`). Staged into below, not the callsite.
	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	e.loadMem(x86.REG_AX, x86.REG_AX, frameArgsOffset)
	argsBuf := regalloc.TMP6.Reg()
	e.movRegReg(argsBuf, x86.REG_AX)

	// 3: stage every argument into cur_frame.args.
	for i, arg := range inv.Args {
		slotOff := int64(arg.DstSlot) * regSize
		_ = i
		switch arg.Kind {
		case InvokeArgI, InvokeArgO:
			e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(arg.Reg))
			e.storeMem(argsBuf, slotOff, x86.REG_AX)
		case InvokeArgN:
			e.prog2(x86.AMOVSD, memAddr(regalloc.WORK.Reg(), workSlot(arg.Reg)), regAddr(x86.REG_X0))
			e.prog2(x86.AMOVSD, regAddr(x86.REG_X0), memAddr(argsBuf, slotOff))
		case InvokeArgS:
			e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(arg.Reg))
			e.storeMem(argsBuf, slotOff, x86.REG_AX)
		case InvokeArgConstI:
			e.movImm64(x86.REG_AX, arg.LitI)
			e.storeMem(argsBuf, slotOff, x86.REG_AX)
		case InvokeArgConstN:
			e.movImm64(x86.REG_AX, int64(math.Float64bits(arg.LitN)))
			e.storeMem(argsBuf, slotOff, x86.REG_AX)
		case InvokeArgConstS:
			e.loadMem(x86.REG_AX, regalloc.CU.Reg(), cuStringsOffset)
			e.loadMem(x86.REG_AX, x86.REG_AX, int64(arg.LitS)*8)
			e.storeMem(argsBuf, slotOff, x86.REG_AX)
		}
	}

	// 4: the callee code object.
	e.loadMem(x86.REG_AX, regalloc.WORK.Reg(), workSlot(inv.CodeReg))
	callee := regalloc.TMP5.Reg()
	e.movRegReg(callee, x86.REG_AX)

	// 5-8: populate the current frame's return-continuation fields so the
	// callee's epilogue (run by the interpreter or a nested JIT frame)
	// knows how to hand control back here.
	e.loadMem(x86.REG_AX, regalloc.TC.Reg(), tcCurFrameOffset)
	e.prog2(x86.AMOVL, constAddr(int64(inv.ReturnType)), memAddr(x86.REG_AX, frameReturnTypeOffset))
	e.leaMem(x86.REG_CX, regalloc.WORK.Reg(), workSlot(inv.ReturnReg))
	e.storeMem(x86.REG_AX, frameReturnValueOffset, x86.REG_CX)

	// 7: frame.return_address <- *tc.interp_cur_op -- a snapshot of the
	// interpreter's current bytecode IP, per spec.md §4.G step 6. This is
	// a distinct value from the reentry label below: return_address is
	// where the *interpreter* resumes if it (not this JIT'd code) ends up
	// driving the callee; jit_entry_label is where *this* compiled block
	// resumes if a later frame hands control back to it directly.
	e.loadMem(x86.REG_CX, regalloc.TC.Reg(), tcInterpCurOpOffset)
	e.loadMem(x86.REG_CX, x86.REG_CX, 0)
	e.storeMem(x86.REG_AX, frameReturnAddressOffset, x86.REG_CX)

	// 8: frame.jit_entry_label <- the reentry label's native address.
	reentry := e.asm.NewProg()
	reentry.As = obj.ALEAQ
	reentry.From = branchAddr()
	reentry.To = regAddr(x86.REG_CX)
	e.asm.Branch(reentry, inv.ReentryLabel)
	e.storeMem(x86.REG_AX, frameJitEntryLabelOffset, x86.REG_CX)

	// 9: dispatch and hand control back to the interpreter's invoke loop.
	if inv.IsFast {
		// Fast path: MVM_frame_invoke_code(tc, code, callsite, spesh_cand)
		// takes the callsite descriptor directly -- the one prepared (and
		// pushed) in step 1.
		callsite := regalloc.TMP1.Reg()
		e.popReg(callsite)

		intArg0, _ := e.profile.IntArg(0)
		intArg1, _ := e.profile.IntArg(1)
		intArg2, _ := e.profile.IntArg(2)
		intArg3, _ := e.profile.IntArg(3)
		// intArg2 first: callsite's register (TMP1) aliases intArg0 on
		// Win64 and intArg3 on SysV, so it must be read out before either
		// of those targets gets written.
		e.movRegReg(intArg2, callsite)
		e.movRegReg(intArg1, callee)
		e.movRegReg(intArg0, regalloc.TC.Reg())
		e.movImm64(intArg3, int64(inv.SpeshCandID))
		e.ccallTrampoline(e.externs.FrameInvokeCode)
	} else {
		// Non-fast path: the callsite prepared in step 1 is popped into AX
		// and pushed back below as the in/out callsite slot that
		// find_invokee_multi_ok may replace with a resolved callsite.
		e.popReg(x86.REG_AX)

		// MVM_frame_find_invokee_multi_ok(tc, code, &callsite_ptr_on_stack,
		// args) -- ARG3 is rsp pointing at a pushed callsite slot, per
		// spec.md §4.G step 8. None of callee (TMP5), argsBuf (TMP6), or
		// that slot survive the call -- every caller-saved register is
		// fair game for the extern to clobber under either ABI profile --
		// so all three are parked on the stack across it.
		e.pushReg(callee)
		e.pushReg(argsBuf)
		e.pushReg(x86.REG_AX) // callsite slot: step 1's callsite in, resolved callsite out

		intArg0, _ := e.profile.IntArg(0)
		intArg1, _ := e.profile.IntArg(1)
		intArg2, _ := e.profile.IntArg(2)
		intArg3, _ := e.profile.IntArg(3)
		e.movRegReg(intArg0, regalloc.TC.Reg())
		e.movRegReg(intArg1, callee)
		e.movRegReg(intArg2, x86.REG_SP)
		e.movRegReg(intArg3, argsBuf)
		e.ccallTrampoline(e.externs.FrameFindInvokeeMultiOK)

		// Pop in the reverse order pushed: the resolved callsite first,
		// then argsBuf and callee reloaded since TMP6/TMP5 did not
		// survive the call above.
		callsite := regalloc.TMP1.Reg()
		e.popReg(callsite)
		e.popReg(argsBuf)
		e.popReg(callee)

		// code.st.invoke(tc, code, callsite, args), indirect through the
		// callee's STable function pointer. TMP1..TMP4 alias the integer
		// arg registers on both profiles, and TMP5 (callee's register) is
		// literally regalloc.Function, so the target pointer is parked on
		// the stack instead of in any temp -- popped into Function only
		// after every argument below has been marshaled.
		e.loadMem(x86.REG_AX, callee, 0) // code.st
		e.loadMem(x86.REG_AX, x86.REG_AX, stableInvokeOffset)
		e.pushReg(x86.REG_AX)

		intArg0, _ = e.profile.IntArg(0)
		intArg1, _ = e.profile.IntArg(1)
		intArg2, _ = e.profile.IntArg(2)
		intArg3, _ = e.profile.IntArg(3)
		// intArg2 first: callsite's register (TMP1) aliases intArg0 on
		// Win64 and intArg3 on SysV, so it must be read out before either
		// of those targets gets written.
		e.movRegReg(intArg2, callsite)
		e.movRegReg(intArg1, callee)
		e.movRegReg(intArg0, regalloc.TC.Reg())
		e.movRegReg(intArg3, argsBuf)

		e.popReg(regalloc.Function)
		shadow := e.profile.ShadowSpace()
		if shadow > 0 {
			e.prog2(x86.ASUBQ, constAddr(int64(shadow)), regAddr(x86.REG_SP))
		}
		e.callReg(regalloc.Function)
		if shadow > 0 {
			e.prog2(x86.AADDQ, constAddr(int64(shadow)), regAddr(x86.REG_SP))
		}
	}

	e.movImm64(regalloc.RV, int64(1)) // vmrt.ExitContinueInterp
	jmp := e.asm.NewProg()
	jmp.As = obj.AJMP
	e.asm.Branch(jmp, e.asm.OutID())

	e.asm.LabelHere(inv.ReentryLabel)
	return nil
}

const (
	frameArgsOffset          = 16
	frameReturnTypeOffset    = 48
	frameReturnValueOffset   = 56
	frameReturnAddressOffset = 64
	frameJitEntryLabelOffset = 72
)
