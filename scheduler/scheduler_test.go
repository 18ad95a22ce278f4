// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
)

func TestUseCallerRunsTasksDuringStop(t *testing.T) {
	s := New(1, true, "test-caller")
	s.Start()

	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		if err := s.Schedule(func() { ran = append(ran, i) }, AnyWorker); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	s.Stop()

	if len(ran) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(ran))
	}
	for i, v := range ran {
		if v != i {
			t.Fatalf("execution order %v, want FIFO", ran)
		}
	}
}

func TestFIFOWithinSharedQueue(t *testing.T) {
	s := New(1, true, "test-fifo")
	s.Start()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		_ = s.Schedule(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, AnyWorker)
	}
	s.Stop()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (FIFO violated)", i, v, i)
		}
	}
}

func TestSpawnedFiberFIFOAfterYieldToReady(t *testing.T) {
	s := New(1, true, "test-yield-fifo")
	s.Start()

	var order []string
	parent := fiber.New(func() {
		order = append(order, "parent-1")
		child := fiber.New(func() { order = append(order, "child") })
		_ = Current().Schedule(child, AnyWorker)
		fiber.YieldToReady()
		order = append(order, "parent-2")
	})
	_ = s.Schedule(parent, AnyWorker)
	s.Stop()

	want := []string{"parent-1", "child", "parent-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPinnedTaskRunsOnPinnedWorker(t *testing.T) {
	s := New(4, false, "test-pin")
	s.Start()

	const perWorker = 8
	var wg sync.WaitGroup
	var wrong atomic.Int64
	for pin := 0; pin < 4; pin++ {
		for i := 0; i < perWorker; i++ {
			pin := pin
			wg.Add(1)
			_ = s.Schedule(func() {
				defer wg.Done()
				if CurrentWorkerID() != pin {
					wrong.Add(1)
				}
			}, pin)
		}
	}
	wg.Wait()
	s.Stop()

	if wrong.Load() != 0 {
		t.Fatalf("%d pinned tasks ran on the wrong worker", wrong.Load())
	}
}

func TestRecursiveRescheduleContention(t *testing.T) {
	s := New(8, true, "test-contention")
	s.Start()

	const total = 1000
	var count atomic.Int64
	var step func()
	step = func() {
		if count.Add(1) < total {
			_ = Current().Schedule(step, AnyWorker)
		}
	}
	_ = s.Schedule(step, AnyWorker)

	deadline := time.After(10 * time.Second)
	for count.Load() < total {
		select {
		case <-deadline:
			t.Fatalf("only %d/%d completions before timeout", count.Load(), total)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	s.Stop()

	if got := count.Load(); got != total {
		t.Fatalf("completions = %d, want exactly %d (no loss, no double-run)", got, total)
	}
}

func TestScheduleAfterStopReturnsError(t *testing.T) {
	s := New(2, false, "test-stopped")
	s.Start()
	s.Stop()

	err := s.Schedule(func() {}, AnyWorker)
	if !errors.Is(err, api.ErrSchedulerStopped) {
		t.Fatalf("Schedule after Stop = %v, want ErrSchedulerStopped", err)
	}
}

func TestScheduleRejectsGarbage(t *testing.T) {
	s := New(1, true, "test-garbage")
	if err := s.Schedule(42, AnyWorker); !errors.Is(err, api.ErrInvalidTask) {
		t.Fatalf("Schedule(42) = %v, want ErrInvalidTask", err)
	}
	s.Start()
	s.Stop()
}

func TestScheduleBatch(t *testing.T) {
	s := New(2, false, "test-batch")
	s.Start()

	var count atomic.Int64
	var wg sync.WaitGroup
	tasks := make([]any, 20)
	for i := range tasks {
		wg.Add(1)
		tasks[i] = func() {
			count.Add(1)
			wg.Done()
		}
	}
	if err := s.ScheduleBatch(tasks); err != nil {
		t.Fatalf("ScheduleBatch: %v", err)
	}
	wg.Wait()
	s.Stop()

	if count.Load() != 20 {
		t.Fatalf("batch executed %d tasks, want 20", count.Load())
	}
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	s := New(1, false, "test-panic")
	s.Start()

	var after atomic.Bool
	_ = s.Schedule(func() { panic("task failure") }, AnyWorker)
	var wg sync.WaitGroup
	wg.Add(1)
	_ = s.Schedule(func() {
		after.Store(true)
		wg.Done()
	}, AnyWorker)
	wg.Wait()
	s.Stop()

	if !after.Load() {
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestActivePlusIdleBounded(t *testing.T) {
	s := New(3, false, "test-counters")
	s.Start()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			a, i := s.active.Load(), s.idle.Load()
			if a+i > 3 {
				t.Errorf("active(%d)+idle(%d) exceeds worker count", a, i)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		_ = s.Schedule(func() { defer wg.Done() }, AnyWorker)
	}
	wg.Wait()
	close(stop)
	s.Stop()
}

func TestDumpAndStats(t *testing.T) {
	s := New(2, false, "test-dump")
	s.Start()
	s.Stop()

	var buf bytes.Buffer
	s.Dump(&buf)
	if !strings.Contains(buf.String(), "test-dump") {
		t.Fatalf("Dump output %q missing scheduler name", buf.String())
	}
	stats := s.Stats()
	if stats["workers"] != 2 {
		t.Fatalf("Stats workers = %d, want 2", stats["workers"])
	}
}
