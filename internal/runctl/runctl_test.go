package runctl

import (
	"sync"
	"testing"
	"time"
)

func TestStopFlagSetIsIdempotentAndObservable(t *testing.T) {
	s := NewStopFlag()
	if s.IsSet() {
		t.Fatalf("expected fresh stop flag to be unset")
	}
	s.Set()
	s.Set() // must not panic
	if !s.IsSet() {
		t.Fatalf("expected stop flag to report set")
	}
}

func TestStopFlagWaitUnblocksOnSet(t *testing.T) {
	s := NewStopFlag()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock after Set")
	}
}

func TestWaitForProducersReturnsWhenAllJoin(t *testing.T) {
	stop := NewStopFlag()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		wg.Done()
	}()

	done := make(chan struct{})
	go func() {
		WaitForProducers(stop, []Joinable{NewWaitGroupJoinable(&wg)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected WaitForProducers to return once the wait group drained")
	}
}

func TestWaitForProducersReturnsWhenStopFires(t *testing.T) {
	stop := NewStopFlag()
	var wg sync.WaitGroup
	wg.Add(1) // never Done(): simulates a stuck producer

	done := make(chan struct{})
	go func() {
		WaitForProducers(stop, []Joinable{NewWaitGroupJoinable(&wg)})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	stop.Set()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected WaitForProducers to return once stop fired")
	}
}
