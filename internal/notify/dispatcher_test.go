package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []Job
	failures map[string]int // recipient -> remaining failures
}

func (f *fakeSender) Send(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[job.To] > 0 {
		f.failures[job.To]--
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, job)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestEnqueueBuffersUntilFlush(t *testing.T) {
	fs := &fakeSender{}
	d := NewDispatcher(fs, Options{BatchSize: 100, FlushInterval: time.Hour})

	d.Enqueue(OTPJob("a@x.com", "123456", "EMAIL_VERIFICATION"))
	d.Enqueue(InviteJob("b@x.com", "Acme", "Alice", "MEMBER", "tok"))

	if d.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", d.Pending())
	}
	if fs.count() != 0 {
		t.Fatalf("expected nothing sent before flush, got %d", fs.count())
	}
}

func TestStopDrainsBuffer(t *testing.T) {
	fs := &fakeSender{}
	d := NewDispatcher(fs, Options{BatchSize: 100, FlushInterval: time.Hour})
	go d.Start(context.Background())

	for i := 0; i < 5; i++ {
		d.Enqueue(ExpenseDecisionJob("a@x.com", "exp-1", "APPROVED", ""))
	}
	d.Stop()

	if fs.count() != 5 {
		t.Fatalf("expected 5 sent after stop, got %d", fs.count())
	}
	if d.Pending() != 0 {
		t.Fatalf("expected empty buffer, got %d", d.Pending())
	}
}

func TestBatchSizeTriggersDelivery(t *testing.T) {
	fs := &fakeSender{}
	d := NewDispatcher(fs, Options{BatchSize: 3, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	for i := 0; i < 3; i++ {
		d.Enqueue(OTPJob("a@x.com", "000000", "PASSWORD_RESET"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for fs.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fs.count() != 3 {
		t.Fatalf("expected batch delivery, got %d sent", fs.count())
	}
	d.Stop()
}

func TestRetriesThenReports(t *testing.T) {
	fs := &fakeSender{failures: map[string]int{"flaky@x.com": 2, "down@x.com": 10}}

	var mu sync.Mutex
	var outcomes []error
	d := NewDispatcher(fs, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxAttempts:   3,
		OnResult: func(_ Kind, err error) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, err)
		},
	})

	d.Enqueue(OTPJob("flaky@x.com", "111111", "EMAIL_VERIFICATION"))
	d.Enqueue(OTPJob("down@x.com", "222222", "EMAIL_VERIFICATION"))
	d.flush()

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0] != nil {
		t.Errorf("flaky recipient should succeed on third attempt: %v", outcomes[0])
	}
	if outcomes[1] == nil {
		t.Error("down recipient should fail after max attempts")
	}
	if fs.failures["down@x.com"] != 7 {
		t.Errorf("expected exactly 3 attempts, remaining failures %d", fs.failures["down@x.com"])
	}
}

func TestLogSenderNeverFails(t *testing.T) {
	if err := (LogSender{}).Send(context.Background(), OTPJob("a@x.com", "1", "x")); err != nil {
		t.Fatalf("LogSender.Send: %v", err)
	}
}
