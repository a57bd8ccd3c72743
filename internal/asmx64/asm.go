// Package asmx64 is the assembler facade described in spec.md §4.A: an
// opaque handle onto a growing code buffer with named/dynamic labels,
// forward-resolved relocations, and a link step that finalizes the buffer
// into page-executable memory. It is built on golang-asm's obj.Prog/Builder
// machinery (the same library the wazero JIT engine in the retrieval pack
// uses for its own amd64 backend) instead of a hand-rolled byte pusher.
package asmx64

import (
	"errors"
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
)

// Reserved named labels, preallocated by New() per spec.md §3 "Assembler
// state (opaque)".
const (
	LabelExit = "exit"
	LabelOut  = "out"
)

// ErrUnplacedLabel is returned by Link when a label was referenced by a
// jump but never bound with LabelHere -- a fatal build error, not a
// recoverable one.
var ErrUnplacedLabel = errors.New("asmx64: label referenced but never placed")

// Assembler is the opaque handle described in spec.md §3. The zero value
// is not usable; construct with New.
type Assembler struct {
	builder *builderShim
	labels  []*obj.Prog // nil entries are unplaced
	names   map[string]int32
	pending []pendingBranch

	exitID int32
	outID  int32
}

// New creates a fresh Assembler with the two reserved named labels
// preallocated, per spec.md §4.A.
func New() (*Assembler, error) {
	b, err := newBuilderShim()
	if err != nil {
		return nil, fmt.Errorf("asmx64: failed to create builder: %w", err)
	}
	a := &Assembler{
		builder: b,
		names:   make(map[string]int32),
	}
	a.exitID = a.LabelAlloc()
	a.names[LabelExit] = a.exitID
	a.outID = a.LabelAlloc()
	a.names[LabelOut] = a.outID
	return a, nil
}

// LabelAlloc reserves a new dynamic label slot and returns its id. The
// label is unplaced until LabelHere(id) is called.
func (a *Assembler) LabelAlloc() int32 {
	a.labels = append(a.labels, nil)
	return int32(len(a.labels) - 1)
}

// NamedLabel resolves one of the two well-known label ids ("exit"/"out").
// Panics on an unknown name: callers only ever pass the two constants.
func (a *Assembler) NamedLabel(name string) int32 {
	id, ok := a.names[name]
	if !ok {
		panic("asmx64: unknown named label " + name)
	}
	return id
}

// LabelHere binds a previously allocated label id to the current emission
// position (spec.md: "Label: bind dynamic label at current position").
// It only places the ANOP marker; branches to this id emitted earlier stay
// pending until Link sets their targets.
func (a *Assembler) LabelHere(id int32) {
	marker := a.builder.NewProg()
	marker.As = obj.ANOP
	a.builder.AddInstruction(marker)
	a.labels[id] = marker
}

// ExitID and OutID return the dynamic label ids of the two reserved named
// labels, for emitters that need to branch to them without going through
// NamedLabel's string lookup on every call.
func (a *Assembler) ExitID() int32 { return a.exitID }
func (a *Assembler) OutID() int32  { return a.outID }

// LabelOffset returns the byte offset of a placed label within the final
// code buffer. Only meaningful after a successful Link, since a label's
// marker Prog doesn't get its Pc assigned until the builder assembles the
// instruction stream.
func (a *Assembler) LabelOffset(id int32) (int64, bool) {
	if id < 0 || int(id) >= len(a.labels) || a.labels[id] == nil {
		return 0, false
	}
	return a.labels[id].Pc, true
}

// NewProg allocates a fresh, unattached instruction. Callers fill in As/
// From/To and then call Emit.
func (a *Assembler) NewProg() *obj.Prog {
	return a.builder.NewProg()
}

// Emit appends prog to the instruction stream in program order.
func (a *Assembler) Emit(prog *obj.Prog) {
	a.builder.AddInstruction(prog)
}

// Branch emits an unconditional or conditional jump (As should already be
// set to the right Ax86 jump opcode) whose target is the dynamic label id.
// If the label is already placed the target is resolved immediately;
// otherwise resolution is deferred to Link.
func (a *Assembler) Branch(prog *obj.Prog, labelID int32) {
	prog.To.Type = obj.TYPE_BRANCH
	if target := a.labels[labelID]; target != nil {
		prog.To.SetTarget(target)
	} else {
		a.pending = append(a.pending, pendingBranch{prog: prog, label: labelID})
	}
	a.Emit(prog)
}

type pendingBranch struct {
	prog  *obj.Prog
	label int32
}

// Link finalizes all pending relocations, assembles the instruction stream
// to machine code, and maps it into a page-executable region. Referencing
// a label that was never placed is a fatal build error.
func (a *Assembler) Link() (*Executable, error) {
	for _, pb := range a.pending {
		target := a.labels[pb.label]
		if target == nil {
			return nil, fmt.Errorf("%w: label id %d", ErrUnplacedLabel, pb.label)
		}
		pb.prog.To.SetTarget(target)
	}
	a.pending = nil

	code, err := a.builder.Assemble()
	if err != nil {
		return nil, fmt.Errorf("asmx64: assemble failed: %w", err)
	}
	return mapExecutable(code)
}

// Int64Imm is a convenience used by multiple emitter call sites to build a
// 64-bit immediate operand.
func Int64Imm(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}
