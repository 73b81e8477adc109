package tracker

import (
	"testing"
	"time"
)

func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestRateOverWindow(t *testing.T) {
	tr := New(5)
	base := time.Unix(1000, 0)
	tr.now = frozenClock(base)
	for i := 0; i < 10; i++ {
		tr.Increment()
	}
	_, rate, _ := tr.Metrics()
	if rate != 2.0 {
		t.Fatalf("rate = %v, want 2.0", rate)
	}
}

func TestStaleBucketsExpire(t *testing.T) {
	tr := New(5)
	tr.now = frozenClock(time.Unix(1000, 0))
	for i := 0; i < 5; i++ {
		tr.Increment()
	}
	// jump past the window
	tr.now = frozenClock(time.Unix(1010, 0))
	_, rate, _ := tr.Metrics()
	if rate != 0 {
		t.Fatalf("rate after window = %v, want 0", rate)
	}
}

func TestBacklogAndETA(t *testing.T) {
	tr := New(5)
	tr.now = frozenClock(time.Unix(1000, 0))

	// unknown backlog: queued 0, eta -1
	queued, _, eta := tr.Metrics()
	if queued != 0 || eta != -1 {
		t.Fatalf("unknown backlog: queued=%d eta=%v", queued, eta)
	}

	tr.SetBacklog(100)
	for i := 0; i < 10; i++ {
		tr.Increment()
	}
	queued, rate, eta := tr.Metrics()
	if queued != 90 {
		t.Fatalf("queued = %d, want 90", queued)
	}
	if rate != 2.0 {
		t.Fatalf("rate = %v", rate)
	}
	if eta != 45.0 {
		t.Fatalf("eta = %v, want 45", eta)
	}
}

func TestResetClearsEverything(t *testing.T) {
	tr := New(5)
	tr.now = frozenClock(time.Unix(1000, 0))
	tr.SetBacklog(10)
	tr.Increment()
	tr.Reset()
	queued, rate, eta := tr.Metrics()
	if queued != 0 || rate != 0 || eta != -1 {
		t.Fatalf("after reset: queued=%d rate=%v eta=%v", queued, rate, eta)
	}
}

func TestZeroRateETAUnknown(t *testing.T) {
	tr := New(5)
	tr.now = frozenClock(time.Unix(1000, 0))
	tr.SetBacklog(50)
	_, _, eta := tr.Metrics()
	if eta != -1 {
		t.Fatalf("eta with zero rate = %v, want -1", eta)
	}
}
