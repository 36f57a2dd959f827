package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type fakeStatusErr struct{ status int }

func (e *fakeStatusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *fakeStatusErr) StatusCode() int { return e.status }

type deterministicErr struct{}

func (deterministicErr) Error() string      { return "contract violation" }
func (deterministicErr) Category() Category { return Deterministic }

func noJitter() time.Duration { return 0 }

func TestDeterministicShortCircuit(t *testing.T) {
	calls := 0
	_, info, err := Do(context.Background(), Options{
		Retries:   5,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Classify:  Classify,
		Sleep:     func(context.Context, time.Duration) error { t.Fatal("must not sleep"); return nil },
		Jitter:    noJitter,
	}, func(context.Context) (string, error) {
		calls++
		return "", deterministicErr{}
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ee.Attempts != 1 || info.Attempts != 1 {
		t.Fatalf("attempts = %d/%d, want 1", ee.Attempts, info.Attempts)
	}
	if ee.Err == nil {
		t.Fatal("underlying error lost")
	}
}

func TestTransientExhaustionBackoffs(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, _, err := Do(context.Background(), Options{
		Retries:   2,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  2500 * time.Millisecond,
		Factor:    2,
		Classify:  Classify,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		Jitter: noJitter,
	}, func(context.Context) (int, error) {
		calls++
		return 0, &fakeStatusErr{status: http.StatusServiceUnavailable}
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(slept))
	}
	if slept[0] != 500*time.Millisecond {
		t.Fatalf("first backoff = %v, want 500ms", slept[0])
	}
	if slept[1] != 1000*time.Millisecond {
		t.Fatalf("second backoff = %v, want 1s", slept[1])
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ee.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ee.Attempts)
	}
	if ee.LastBackoff != 1000*time.Millisecond {
		t.Fatalf("last backoff = %v, want 1s", ee.LastBackoff)
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	if d := backoffFor(5, 500*time.Millisecond, 2500*time.Millisecond, 2); d != 2500*time.Millisecond {
		t.Fatalf("backoff = %v, want cap 2.5s", d)
	}
}

func TestUnknownErrorsAreRetried(t *testing.T) {
	calls := 0
	v, info, err := Do(context.Background(), Options{
		Retries:   3,
		BaseDelay: time.Millisecond,
		Classify:  Classify,
		Sleep:     func(context.Context, time.Duration) error { return nil },
		Jitter:    noJitter,
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("something odd")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || info.Attempts != 3 {
		t.Fatalf("v=%q attempts=%d", v, info.Attempts)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{&fakeStatusErr{status: 404}, Deterministic},
		{&fakeStatusErr{status: 401}, Deterministic},
		{&fakeStatusErr{status: 422}, Deterministic},
		{&fakeStatusErr{status: 429}, Transient},
		{&fakeStatusErr{status: 500}, Transient},
		{&fakeStatusErr{status: 503}, Transient},
		{context.DeadlineExceeded, Transient},
		{deterministicErr{}, Deterministic},
		{errors.New("mystery"), Unknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
