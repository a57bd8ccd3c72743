package jit

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// The helpers in this file are the only place Emitter pokes at obj.Prog's
// From/To fields directly; every per-opcode emission method in ops.go,
// control.go and invoke.go goes through them. Centralizing it here means a
// mistake in how golang-asm wants an operand shaped only needs fixing once.

func regAddr(reg int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: reg}
}

func memAddr(base int16, offset int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: offset}
}

func constAddr(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func branchAddr() obj.Addr {
	return obj.Addr{Type: obj.TYPE_BRANCH}
}

// prog2 builds a two-operand instruction As from,to (AT&T destination-last
// like every other golang-asm consumer in the retrieval pack).
func (e *Emitter) prog2(as obj.As, from, to obj.Addr) *obj.Prog {
	p := e.asm.NewProg()
	p.As = as
	p.From = from
	p.To = to
	e.asm.Emit(p)
	return p
}

// prog1 builds a one-operand instruction (push/pop/inc/dec/call/setcc).
func (e *Emitter) prog1(as obj.As, to obj.Addr) *obj.Prog {
	p := e.asm.NewProg()
	p.As = as
	p.To = to
	e.asm.Emit(p)
	return p
}

// prog0 builds a zero-operand instruction (ret, cqo, nop).
func (e *Emitter) prog0(as obj.As) *obj.Prog {
	p := e.asm.NewProg()
	p.As = as
	e.asm.Emit(p)
	return p
}

func (e *Emitter) movRegReg(dst, src int16) { e.prog2(x86.AMOVQ, regAddr(src), regAddr(dst)) }

func (e *Emitter) movImm64(dst int16, v int64) { e.prog2(x86.AMOVQ, constAddr(v), regAddr(dst)) }

func (e *Emitter) loadMem(dst int16, base int16, offset int64) {
	e.prog2(x86.AMOVQ, memAddr(base, offset), regAddr(dst))
}

func (e *Emitter) storeMem(base int16, offset int64, src int16) {
	e.prog2(x86.AMOVQ, regAddr(src), memAddr(base, offset))
}

func (e *Emitter) leaMem(dst int16, base int16, offset int64) {
	e.prog2(x86.ALEAQ, memAddr(base, offset), regAddr(dst))
}

func (e *Emitter) pushReg(r int16) { e.prog1(x86.APUSHQ, regAddr(r)) }
func (e *Emitter) popReg(r int16)  { e.prog1(x86.APOPQ, regAddr(r)) }

func (e *Emitter) testRegReg(a, b int16) { e.prog2(x86.ATESTQ, regAddr(a), regAddr(b)) }

func (e *Emitter) callReg(r int16) { e.prog1(obj.ACALL, regAddr(r)) }

// jmpReg emits an indirect jump through r, used by Prologue to transfer
// control to the runtime-supplied entry label rather than a static target.
func (e *Emitter) jmpReg(r int16) { e.prog1(obj.AJMP, regAddr(r)) }

// jcc emits a conditional jump as, target resolved through the assembler
// facade's label machinery (component A).
func (e *Emitter) jcc(as obj.As, labelID int32) *obj.Prog {
	p := e.asm.NewProg()
	p.As = as
	e.asm.Branch(p, labelID)
	return p
}
