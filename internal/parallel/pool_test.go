package parallel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExecutionStats(t *testing.T) {
	stats := NewExecutionStats()

	if stats.TasksSubmitted != 0 {
		t.Errorf("Expected 0 tasks submitted initially, got %d", stats.TasksSubmitted)
	}

	stats.RecordTaskSubmitted()
	if stats.TasksSubmitted != 1 {
		t.Errorf("Expected 1 task submitted, got %d", stats.TasksSubmitted)
	}

	duration := 100 * time.Millisecond
	stats.RecordTaskCompleted(duration)
	if stats.TasksCompleted != 1 {
		t.Errorf("Expected 1 task completed, got %d", stats.TasksCompleted)
	}

	err := errors.New("boom")
	stats.RecordTaskFailed(err)
	if stats.TasksFailed != 1 {
		t.Errorf("Expected 1 task failed, got %d", stats.TasksFailed)
	}
	if stats.LastError != err {
		t.Errorf("Expected last error to be %v, got %v", err, stats.LastError)
	}

	stats.RecordWorkerCount(5)
	if stats.PeakWorkerCount != 5 {
		t.Errorf("Expected peak worker count 5, got %d", stats.PeakWorkerCount)
	}

	stats.RecordQueueDepth(10)
	if stats.PeakQueueDepth != 10 {
		t.Errorf("Expected peak queue depth 10, got %d", stats.PeakQueueDepth)
	}

	stats.Finalize()
	if stats.TotalExecutionTime <= 0 {
		t.Errorf("Expected positive total execution time, got %v", stats.TotalExecutionTime)
	}
}

func TestDeadlockDetectorRegisterUpdateUnregister(t *testing.T) {
	dd := NewDeadlockDetector(100*time.Millisecond, 50*time.Millisecond)
	defer dd.Shutdown()

	dd.RegisterTask("task1", "test task")
	if len(dd.activeTasks) != 1 {
		t.Errorf("Expected 1 active task, got %d", len(dd.activeTasks))
	}

	dd.UpdateTask("task1")

	dd.UnregisterTask("task1")
	if len(dd.activeTasks) != 0 {
		t.Errorf("Expected 0 active tasks, got %d", len(dd.activeTasks))
	}
}

func TestDeadlockDetectorTimeout(t *testing.T) {
	dd := NewDeadlockDetector(50*time.Millisecond, 25*time.Millisecond)
	defer dd.Shutdown()

	// Register a task and don't update it; the background monitor
	// should post a timeout alert onto the internal alert channel.
	dd.RegisterTask("slow-task", "slow task")

	select {
	case alert := <-dd.alertChan:
		if alert.Type != AlertTaskTimeout {
			t.Errorf("Expected timeout alert, got %v", alert.Type)
		}
		if alert.TaskID != "slow-task" {
			t.Errorf("Expected task ID 'slow-task', got %s", alert.TaskID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Error("Expected timeout alert but none received")
	}
}

func TestExecuteWithDeadlockProtectionTimesOut(t *testing.T) {
	dd := NewDeadlockDetector(20*time.Millisecond, 10*time.Millisecond)
	defer dd.Shutdown()

	err := dd.ExecuteWithDeadlockProtection(context.Background(), "slow", "blocks past the deadline", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Error("Expected a timeout error, got nil")
	}
}

func TestExecuteWithDeadlockProtectionPropagatesError(t *testing.T) {
	dd := NewDeadlockDetector(time.Second, 100*time.Millisecond)
	defer dd.Shutdown()

	want := errors.New("task failed")
	got := dd.ExecuteWithDeadlockProtection(context.Background(), "fast", "returns immediately", func(ctx context.Context) error {
		return want
	})
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestWorkerPoolWithStats(t *testing.T) {
	pool := NewDynamicWorkerPoolWithConfig(4, 1, DynamicConfig{
		ScaleUpThreshold:   2,
		ScaleDownThreshold: 1,
		ScaleCheckInterval: 10 * time.Millisecond,
		ScaleCooldown:      5 * time.Millisecond,
	})

	stats := pool.stats
	if stats == nil {
		t.Error("Expected non-nil stats")
	}

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
		}
		if err := pool.Submit(ctx, task); err != nil {
			t.Errorf("Failed to submit task: %v", err)
		}
	}

	wg.Wait()
	pool.Shutdown() // finalizes stats

	if stats.TasksSubmitted != 5 {
		t.Errorf("Expected 5 tasks submitted, got %d", stats.TasksSubmitted)
	}
	if stats.TasksCompleted != 5 {
		t.Errorf("Expected 5 tasks completed, got %d", stats.TasksCompleted)
	}
}

func TestWorkerPoolSubmitAfterShutdownFails(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	if err := pool.Submit(context.Background(), func() {}); err != ErrPoolShutdown {
		t.Errorf("Expected ErrPoolShutdown, got %v", err)
	}
}

func BenchmarkWorkerPool(b *testing.B) {
	pool := NewDynamicWorkerPool(4, 1)
	defer pool.Shutdown()

	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			task := func() {
				time.Sleep(1 * time.Millisecond)
			}
			pool.Submit(ctx, task)
		}
	})
}
