package asmx64

import (
	"errors"
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
)

func TestReservedLabelsPreallocated(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.NamedLabel(LabelExit) == a.NamedLabel(LabelOut) {
		t.Fatalf("exit and out resolved to the same label id")
	}
}

func TestLabelAllocIsMonotonic(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := a.LabelAlloc()
	second := a.LabelAlloc()
	if second <= first {
		t.Fatalf("label ids not monotonic: %d then %d", first, second)
	}
}

func TestLinkFailsOnUnplacedLabel(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	unplaced := a.LabelAlloc()

	jmp := a.NewProg()
	jmp.As = obj.AJMP
	a.Branch(jmp, unplaced)

	if _, err := a.Link(); !errors.Is(err, ErrUnplacedLabel) {
		t.Fatalf("Link() error = %v, want ErrUnplacedLabel", err)
	}
}

func TestLabelHerePlacesImmediately(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := a.LabelAlloc()
	a.LabelHere(id)

	jmp := a.NewProg()
	jmp.As = obj.AJMP
	// Branching to an already-placed label must not register a pending
	// fixup.
	a.Branch(jmp, id)

	if len(a.pending) != 0 {
		t.Fatalf("branch to placed label left %d pending fixups, want 0", len(a.pending))
	}
}
