//go:build linux || darwin

package asmx64

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapExecutable copies code into a fresh, page-aligned, read-write
// mapping, then flips it to read-execute. Two-step so the page is never
// simultaneously writable and executable under W^X-enforcing kernels,
// matching the approach the wazero reference's mmapCodeSegment takes.
func mapExecutable(code []byte) (*Executable, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("asmx64: empty code buffer")
	}
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("asmx64: mmap: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("asmx64: mprotect: %w", err)
	}
	return &Executable{mem: mem, entry: uintptr(unsafe.Pointer(&mem[0]))}, nil
}

func munmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}
