package lock

import (
	"sync"
	"testing"
	"time"
)

func TestNormalize_SortsAndDeduplicates(t *testing.T) {
	keys := []Key{
		HoldingKey(2, "BTC"),
		OrderKey(7),
		AccountKey(5),
		OrderKey(3),
		OrderKey(7),
		HoldingKey(2, "BTC"),
		HoldingKey(2, "ETH"),
	}

	got := Normalize(keys)
	want := []Key{
		OrderKey(3),
		OrderKey(7),
		AccountKey(5),
		HoldingKey(2, "BTC"),
		HoldingKey(2, "ETH"),
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestManager_ExclusiveAcquisition(t *testing.T) {
	m := NewManager()
	release := m.AcquireAll([]Key{OrderKey(1)})

	acquired := make(chan struct{})
	go func() {
		r := m.AcquireAll([]Key{OrderKey(1)})
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquisition succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquisition never completed after release")
	}
}

// Two units of work that each want the other's rows must never deadlock,
// because both sort their key sets into the same global order.
func TestManager_OpposingInterestOrderDoesNotDeadlock(t *testing.T) {
	m := NewManager()
	setA := []Key{OrderKey(7), OrderKey(3), AccountKey(1), AccountKey(2)}
	setB := []Key{AccountKey(2), AccountKey(1), OrderKey(3), OrderKey(7)}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release := m.AcquireAll(setA)
			release()
		}()
		go func() {
			defer wg.Done()
			release := m.AcquireAll(setB)
			release()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: opposing acquisitions never finished")
	}
}

func TestManager_DuplicateKeysDoNotSelfDeadlock(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	go func() {
		release := m.AcquireAll([]Key{AccountKey(1), AccountKey(1), AccountKey(1)})
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("self-deadlock on duplicate keys")
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	release := m.AcquireAll([]Key{OrderKey(1)})
	release()
	release() // second call must not panic on an unlocked mutex

	// Lock must be available again.
	r2 := m.AcquireAll([]Key{OrderKey(1)})
	r2()
}
