//go:build windows

package asmx64

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapExecutable mirrors mmap_unix.go's two-step write-then-exec flip using
// VirtualAlloc/VirtualProtect, for the Win64 ABI profile (internal/abi).
func mapExecutable(code []byte) (*Executable, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("asmx64: empty code buffer")
	}
	addr, err := windows.VirtualAlloc(0, uintptr(len(code)), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("asmx64: VirtualAlloc: %w", err)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))
	copy(mem, code)
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(len(code)), windows.PAGE_EXECUTE_READ, &old); err != nil {
		return nil, fmt.Errorf("asmx64: VirtualProtect: %w", err)
	}
	return &Executable{mem: mem, entry: addr}, nil
}

func munmapExecutable(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
