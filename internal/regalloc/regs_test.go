package regalloc

import "testing"

func TestRolesAreDistinctRegisters(t *testing.T) {
	seen := make(map[int16]Role)
	for _, r := range CalleeSaved() {
		reg := r.Reg()
		if other, ok := seen[reg]; ok {
			t.Fatalf("role %v and %v share register %d", r, other, reg)
		}
		seen[reg] = r
	}
}

func TestTempsAreDistinctRegisters(t *testing.T) {
	seen := make(map[int16]Temp)
	temps := []Temp{TMP1, TMP2, TMP3, TMP4, TMP5, TMP6}
	for _, temp := range temps {
		reg := temp.Reg()
		if other, ok := seen[reg]; ok {
			t.Fatalf("temp %v and %v share register %d", temp, other, reg)
		}
		seen[reg] = temp
	}
}

func TestRolesAndTempsDoNotOverlap(t *testing.T) {
	roleRegsSet := make(map[int16]bool)
	for _, r := range CalleeSaved() {
		roleRegsSet[r.Reg()] = true
	}
	temps := []Temp{TMP1, TMP2, TMP3, TMP4, TMP5, TMP6}
	for _, temp := range temps {
		if roleRegsSet[temp.Reg()] {
			t.Fatalf("temp %v aliases a pinned role register", temp)
		}
	}
	if roleRegsSet[Function] {
		t.Fatalf("FUNCTION register aliases a pinned role register")
	}
}
