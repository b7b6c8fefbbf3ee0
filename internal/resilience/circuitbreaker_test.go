package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("test", cfg)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func testConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             100 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("CircuitState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("model", CircuitBreakerConfig{Enabled: true})

	if cb.Name() != "model" {
		t.Errorf("Name() = %v, want model", cb.Name())
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", cb.State())
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit should block requests")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	*now = now.Add(150 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want StateHalfOpen", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("second probe should be allowed")
	}
	if cb.Allow() {
		t.Fatal("third probe exceeds HalfOpenMaxRequests")
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	*now = now.Add(150 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want StateOpen", cb.State())
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if !cb.Allow() {
		t.Error("disabled breaker should always allow")
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	boom := errors.New("boom")
	ctx := context.Background()

	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() = %v, want boom", err)
		}
	}
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ExecuteIgnoresCancellation(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 1)
	cb.OnStateChange(func(name string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Error("Reset should close the circuit")
	}
}
