// File: fiber/fiber_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import (
	"testing"
)

func TestFiberLifecycle(t *testing.T) {
	var steps []string
	f := New(func() {
		steps = append(steps, "enter")
		YieldToHold()
		steps = append(steps, "resume")
	})
	if got := f.State(); got != StateInit {
		t.Fatalf("state after New = %v, want INIT", got)
	}

	f.Resume()
	if got := f.State(); got != StateHold {
		t.Fatalf("state after first yield = %v, want HOLD", got)
	}
	f.Resume()
	if got := f.State(); got != StateTerm {
		t.Fatalf("state after completion = %v, want TERM", got)
	}

	want := []string{"enter", "resume"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps[%d] = %q, want %q", i, steps[i], want[i])
		}
	}
}

func TestFiberYieldToReady(t *testing.T) {
	f := New(func() {
		YieldToReady()
	})
	f.Resume()
	if got := f.State(); got != StateReady {
		t.Fatalf("state after YieldToReady = %v, want READY", got)
	}
	f.Resume()
	if got := f.State(); got != StateTerm {
		t.Fatalf("state after completion = %v, want TERM", got)
	}
}

func TestFiberPanicBecomesExcept(t *testing.T) {
	f := New(func() {
		panic("boom")
	})
	f.Resume()
	if got := f.State(); got != StateExcept {
		t.Fatalf("state after panic = %v, want EXCEPT", got)
	}
	if f.PanicValue() != "boom" {
		t.Fatalf("PanicValue = %v, want boom", f.PanicValue())
	}
}

func TestFiberReset(t *testing.T) {
	ran := 0
	f := New(func() { ran++ })
	f.Resume()
	if f.State() != StateTerm {
		t.Fatalf("state = %v, want TERM", f.State())
	}

	f.Reset(func() { ran += 10 })
	if f.State() != StateInit {
		t.Fatalf("state after Reset = %v, want INIT", f.State())
	}
	f.Resume()
	if ran != 11 {
		t.Fatalf("ran = %d, want 11", ran)
	}
}

func TestFiberResetPreconditions(t *testing.T) {
	f := New(func() { YieldToHold() })
	f.Resume()

	defer func() {
		if recover() == nil {
			t.Fatal("Reset of a HOLD fiber did not panic")
		}
		// Unpark the suspended fiber goroutine so the test does not leak it.
		f.Resume()
	}()
	f.Reset(func() {})
}

func TestResumeTerminatedFiberPanics(t *testing.T) {
	f := New(func() {})
	f.Resume()

	defer func() {
		if recover() == nil {
			t.Fatal("resume of a TERM fiber did not panic")
		}
	}()
	f.Resume()
}

func TestCurrentInsideAndOutside(t *testing.T) {
	if Current() != nil {
		t.Fatal("Current() outside a fiber is non-nil")
	}
	if CurrentID() != 0 {
		t.Fatal("CurrentID() outside a fiber is non-zero")
	}

	var inside *Fiber
	var insideID uint64
	f := New(func() {
		inside = Current()
		insideID = CurrentID()
	})
	f.Resume()
	if inside != f {
		t.Fatal("Current() inside the fiber did not return the fiber")
	}
	if insideID != f.ID() {
		t.Fatalf("CurrentID() = %d, want %d", insideID, f.ID())
	}
	if Current() != nil {
		t.Fatal("Current() leaked past fiber completion")
	}
}

func TestTotalFiberAccounting(t *testing.T) {
	before := TotalFibers()
	f := New(func() {})
	if TotalFibers() != before+1 {
		t.Fatalf("TotalFibers after New = %d, want %d", TotalFibers(), before+1)
	}
	f.Resume()
	if TotalFibers() != before {
		t.Fatalf("TotalFibers after TERM = %d, want %d", TotalFibers(), before)
	}
}

func TestStackSizeOption(t *testing.T) {
	old := DefaultStackSize()
	defer SetDefaultStackSize(old)

	SetDefaultStackSize(64 * 1024)
	f := New(func() {})
	if f.StackSize() != 64*1024 {
		t.Fatalf("StackSize = %d, want %d", f.StackSize(), 64*1024)
	}
	g := New(func() {}, WithStackSize(256*1024))
	if g.StackSize() != 256*1024 {
		t.Fatalf("StackSize = %d, want %d", g.StackSize(), 256*1024)
	}
	// Unwind the live-count contributions of the two unstarted fibers.
	f.Resume()
	g.Resume()
}

func TestUseCallerFlavor(t *testing.T) {
	var order []string
	f := New(func() {
		order = append(order, "fiber")
		YieldToHold()
		order = append(order, "fiber-again")
	}, WithFlavor(FlavorCaller))

	order = append(order, "root")
	f.Call()
	order = append(order, "root-again")
	f.Call()

	want := []string{"root", "fiber", "root-again", "fiber-again"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
