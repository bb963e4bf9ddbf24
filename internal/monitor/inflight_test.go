package monitor

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlightClaimRelease(t *testing.T) {
	f := NewInFlight()

	if !f.TryClaim("m1") {
		t.Fatal("first claim must succeed")
	}
	if f.TryClaim("m1") {
		t.Fatal("second claim must fail while held")
	}
	if !f.TryClaim("m2") {
		t.Fatal("claims are per market")
	}

	f.Release("m1")
	if !f.TryClaim("m1") {
		t.Fatal("claim must succeed after release")
	}

	// Release is idempotent.
	f.Release("m1")
	f.Release("m1")
	f.Release("never-claimed")
	if f.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.Len())
	}
}

func TestInFlightConcurrentClaim(t *testing.T) {
	f := NewInFlight()

	const goroutines = 64
	var won atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.TryClaim("m1") {
				won.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("exactly one concurrent claim must win, got %d", won.Load())
	}
}
