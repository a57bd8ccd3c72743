package asmx64

import (
	asm "github.com/twitchyliquid64/golang-asm"
)

// builderShim is a thin rename of *asm.Builder so the rest of the package
// doesn't sprinkle the import alias everywhere.
type builderShim = asm.Builder

// initialCodeCap is the starting capacity hint passed to golang-asm's
// builder; it doubles internally as needed, same as the tree builder's own
// growth policy (internal/exprtree).
const initialCodeCap = 256

func newBuilderShim() (*builderShim, error) {
	return asm.NewBuilder("amd64", initialCodeCap)
}
