package flowgraph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	for _, n := range []int{0, -5} {
		if p := Retry(n).Policy(); p.MaxAttempts != 1 {
			t.Fatalf("expected MaxAttempts=1 for Retry(%d), got %d", n, p.MaxAttempts)
		}
	}
}

func TestRetry_Exponential(t *testing.T) {
	p := Retry(4).Exponential(10*time.Millisecond, 50*time.Millisecond).Policy()

	if p.MaxAttempts != 4 {
		t.Fatalf("expected MaxAttempts=4, got %d", p.MaxAttempts)
	}
	if p.BackoffMultiplier != 2 {
		t.Fatalf("expected default multiplier 2, got %v", p.BackoffMultiplier)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if d := p.Delay(i + 1); d != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, d, w)
		}
	}
}

func TestRetry_MultiplierAfterExponential(t *testing.T) {
	p := Retry(3).Exponential(10*time.Millisecond, 0).Multiplier(3).Policy()
	if d := p.Delay(2); d != 30*time.Millisecond {
		t.Fatalf("expected 30ms second delay, got %v", d)
	}
}

func TestRetry_Constant(t *testing.T) {
	p := Retry(3).Constant(25 * time.Millisecond).Policy()
	for n := 1; n <= 3; n++ {
		if d := p.Delay(n); d != 25*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want 25ms", n, d)
		}
	}
}

func TestRetry_ImmediateClearsBackoff(t *testing.T) {
	p := Retry(3).Exponential(time.Second, time.Minute).Immediate().Policy()
	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff != 0 || p.MaxBackoff != 0 || p.BackoffMultiplier != 0 {
		t.Fatalf("expected zero backoff, got %+v", p)
	}
	if d := p.Delay(1); d != 0 {
		t.Fatalf("expected no delay, got %v", d)
	}
}

func TestStepWithRetry_RetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls := 0
	flow := New("flaky").
		StepWithRetry("call", func(ctx context.Context, input any) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("temporary")
			}
			return "ok", nil
		}, Retry(3).Immediate().Policy()).
		Finish("end").
		Then("call", "end")
	flow.MustRegister(eng)

	res, err := Start(ctx, eng, flow.Name(), nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Code != ResultFinished {
		t.Fatalf("expected FINISHED, got %s", res.Code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if res.Instance.Outputs["call"] != "ok" {
		t.Fatalf("expected output ok, got %v", res.Instance.Outputs["call"])
	}
}

func TestStepWithRetry_FaultsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls := 0
	flow := New("always-failing").
		StepWithRetry("call", func(ctx context.Context, input any) (any, error) {
			calls++
			return nil, errors.New("boom")
		}, Retry(2).Immediate().Policy())
	flow.MustRegister(eng)

	res, err := Start(ctx, eng, flow.Name(), nil)
	if err == nil {
		t.Fatalf("expected fault error")
	}
	if res.Code != ResultFaulted {
		t.Fatalf("expected FAULTED, got %s", res.Code)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
