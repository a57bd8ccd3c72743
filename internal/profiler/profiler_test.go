package profiler

import "testing"

func TestEnterExitAccumulatesSelfTime(t *testing.T) {
	th := NewThread()
	th.LogEnter(0x1000, ModeNormal, 0)
	th.LogExit(100)

	if got := th.SelfNanos(0); got != 100 {
		t.Fatalf("self time = %d, want 100", got)
	}
	if th.Depth() != 0 {
		t.Fatalf("depth after exit = %d, want 0", th.Depth())
	}
}

func TestGCTimeIsDiscountedFromEveryAncestor(t *testing.T) {
	th := NewThread()
	th.LogEnter(0x1000, ModeNormal, 0) // outer, open 0..100
	th.LogEnter(0x2000, ModeNormal, 10) // inner, open 10..100

	th.LogGCStart(false, 20)
	th.LogGCEnd(false, 30) // 10ns GC pause while both frames are open

	th.LogExit(100) // closes inner: 90 wall - 10 gc = 80
	th.LogExit(100) // closes outer: 100 wall - 10 gc = 90

	if got := th.SelfNanos(1); got != 80 {
		t.Fatalf("inner self time = %d, want 80", got)
	}
	if got := th.SelfNanos(0); got != 90 {
		t.Fatalf("outer self time = %d, want 90", got)
	}
}

func TestSpeshTimeIsDiscounted(t *testing.T) {
	th := NewThread()
	th.LogEnter(0x1000, ModeNormal, 0)
	th.LogSpeshStart(5)
	th.LogSpeshEnd(25)
	th.LogExit(50)

	if got := th.SelfNanos(0); got != 30 {
		t.Fatalf("self time = %d, want 30 (50 wall - 20 spesh)", got)
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	th := NewThread()
	th.LogEnter(0x1000, ModeNormal, 0)
	cd := th.LogContinuationControl(0x1000)
	th.LogEnter(0x2000, ModeNormal, 0)

	if th.Depth() != 2 {
		t.Fatalf("depth before restore = %d, want 2", th.Depth())
	}
	th.LogContinuationInvoke(cd)
	if th.Depth() != 1 {
		t.Fatalf("depth after restore = %d, want 1", th.Depth())
	}
}

func TestSequenceLossCallsHookInsteadOfPanicking(t *testing.T) {
	th := NewThread()
	var gotErr error
	th.OnSequenceLoss = func(err error) { gotErr = err }

	th.LogExit(100) // no open frame

	if gotErr == nil {
		t.Fatalf("expected OnSequenceLoss to fire on an exit with no open frame")
	}
}

func TestDeoptAllRevertsEveryOpenFrame(t *testing.T) {
	th := NewThread()
	th.LogEnter(0x1000, ModeJIT, 0)
	th.LogEnter(0x2000, ModeJIT, 0)

	th.LogDeoptAll()

	for id := 0; id < 2; id++ {
		if th.nodes[id].mode != ModeNormal {
			t.Fatalf("node %d mode = %v, want ModeNormal after deopt-all", id, th.nodes[id].mode)
		}
	}
}
