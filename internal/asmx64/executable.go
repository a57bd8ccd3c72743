package asmx64

// Executable is the linked, page-executable code region handed back by
// Link, per spec.md §3 "Assembler state" and §6 "Executable buffer
// format". Ownership transfers to the caller at this point; the original
// golang-asm byte slice is no longer referenced.
type Executable struct {
	mem   []byte
	entry uintptr
}

// Addr is the base address of the mapped, executable region.
func (e *Executable) Addr() uintptr { return e.entry }

// Size is the number of bytes mapped.
func (e *Executable) Size() int { return len(e.mem) }

// Free unmaps the region. Once called, Addr is dangling; the caller is
// responsible for ensuring no thread is still executing inside it.
func (e *Executable) Free() error {
	return munmapExecutable(e.mem)
}
