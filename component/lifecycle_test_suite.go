package component

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory creates a fresh LifecycleComponent for each test case.
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests checks the lifecycle contract every server and
// chunker runner must honour.
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	t.Run("Compliance", func(t *testing.T) {
		testLifecycleCompliance(t, factory)
	})
	t.Run("ErrorPaths", func(t *testing.T) {
		testErrorPaths(t, factory)
	})
	t.Run("ConcurrentStartStop", func(t *testing.T) {
		testConcurrentStartStop(t, factory)
	})
	t.Run("NoLeaks", func(t *testing.T) {
		testNoGoroutineLeaks(t, factory)
	})
}

func testLifecycleCompliance(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"Initialize", testInitialize},
		{"StartStop", testStartStop},
		{"StopWithoutStart", testStopWithoutStart},
		{"DoubleStop", testDoubleStop},
		{"RestartAfterStop", testRestartAfterStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "factory returned nil")
			tt.test(t, comp)
		})
	}
}

func testInitialize(t *testing.T, comp LifecycleComponent) {
	assert.NoError(t, comp.Initialize())
	assert.NotEmpty(t, comp.Meta().Name)
}

func testStartStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
	assert.False(t, comp.Health().Healthy, "stopped component reports unhealthy")
}

func testStopWithoutStart(t *testing.T, comp LifecycleComponent) {
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
	assert.NoError(t, comp.Stop(5*time.Second), "second Stop is a no-op")
}

func testRestartAfterStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	require.NoError(t, comp.Stop(5*time.Second))

	require.NoError(t, comp.Initialize())
	require.NoError(t, comp.Start(ctx), "Start after Stop and Initialize")
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testErrorPaths(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name      string
		operation func(LifecycleComponent) error
		errCheck  func(error) bool
	}{
		{
			name: "cancelled_context_on_start",
			operation: func(comp LifecycleComponent) error {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return comp.Start(ctx)
			},
			errCheck: func(err error) bool {
				return strings.Contains(err.Error(), "context")
			},
		},
		{
			name: "nil_context_on_start",
			operation: func(comp LifecycleComponent) error {
				//nolint:staticcheck // nil context is the case under test
				return comp.Start(nil)
			},
			errCheck: func(err error) bool {
				return strings.Contains(err.Error(), "context")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NoError(t, comp.Initialize())

			err := tt.operation(comp)
			require.Error(t, err)
			assert.True(t, tt.errCheck(err), "unexpected error: %v", err)

			assert.NoError(t, comp.Stop(5*time.Second), "component stays stoppable")
		})
	}
}

func testConcurrentStartStop(t *testing.T, factory LifecycleFactory) {
	comp := factory()
	require.NoError(t, comp.Initialize())

	var wg sync.WaitGroup
	errs := make([]error, 20)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[idx] = comp.Start(ctx)
		}(i)
	}
	for i := 10; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			errs[idx] = comp.Stop(5 * time.Second)
		}(i)
	}
	wg.Wait()

	starts, stops := 0, 0
	for i, err := range errs {
		if err != nil {
			continue
		}
		if i < 10 {
			starts++
		} else {
			stops++
		}
	}
	assert.GreaterOrEqual(t, starts, 1, "at least one Start succeeds")
	assert.Equal(t, 10, stops, "Stop never fails")

	assert.NoError(t, comp.Stop(5*time.Second))
}

func testNoGoroutineLeaks(t *testing.T, factory LifecycleFactory) {
	if testing.Short() {
		t.Skip("Skipping goroutine leak test in short mode")
	}

	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	initial := runtime.NumGoroutine()

	const iterations = 100
	for i := 0; i < iterations; i++ {
		comp := factory()
		if err := comp.Initialize(); err != nil {
			t.Fatalf("Initialize failed on iteration %d: %v", i, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := comp.Start(ctx); err != nil {
			t.Logf("Start failed on iteration %d: %v", i, err)
		}
		if err := comp.Stop(5 * time.Second); err != nil {
			t.Logf("Stop failed on iteration %d: %v", i, err)
		}
		cancel()
	}

	time.Sleep(200 * time.Millisecond)
	growth := runtime.NumGoroutine() - initial
	if growth > 5 {
		t.Errorf("goroutine count grew by %d over %d iterations", growth, iterations)
	}
}
