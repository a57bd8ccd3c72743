package main

import "testing"

func TestScenariosBuildValidGraphs(t *testing.T) {
	for name, build := range scenarios {
		g := build()
		if g.Spesh.NumLocals <= 0 {
			t.Fatalf("scenario %q: NumLocals = %d, want > 0", name, g.Spesh.NumLocals)
		}
		if len(g.Nodes) == 0 {
			t.Fatalf("scenario %q: no nodes", name)
		}
	}
}
