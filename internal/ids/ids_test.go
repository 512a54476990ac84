package ids

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func Test_Allocator_numbersFromZero(t *testing.T) {
	allocator := &Allocator{}
	for want := uint16(0); want < 3; want++ {
		id, err := allocator.Allocate()
		if err != nil {
			t.Fatal("unexpected error", err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}
	if got := allocator.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
}

func Test_Allocator_releasedIDsAreNotReusedEarly(t *testing.T) {
	allocator := &Allocator{}
	for i := 0; i < 3; i++ {
		if _, err := allocator.Allocate(); err != nil {
			t.Fatal("unexpected error", err)
		}
	}
	allocator.Release(1)
	if allocator.Live(1) {
		t.Fatal("id 1 still live after release")
	}

	// the counter keeps moving forward rather than going back to 1
	id, err := allocator.Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
}

func Test_Allocator_wrapSkipsLiveIDs(t *testing.T) {
	allocator := &Allocator{}
	if _, err := allocator.Allocate(); err != nil { // takes 0
		t.Fatal("unexpected error", err)
	}
	allocator.next.Store(math.MaxUint16)

	id, err := allocator.Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != math.MaxUint16 {
		t.Fatalf("id = %d, want %d", id, math.MaxUint16)
	}

	// the next probe wraps to 0, which is live, and lands on 1
	id, err = allocator.Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
}

func Test_Allocator_exhaustion(t *testing.T) {
	allocator := &Allocator{}
	for i := 0; i <= math.MaxUint16; i++ {
		if _, err := allocator.Allocate(); err != nil {
			t.Fatal("unexpected error", err)
		}
	}
	if _, err := allocator.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	// releasing any id makes allocation possible again
	allocator.Release(12345)
	id, err := allocator.Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != 12345 {
		t.Fatalf("id = %d, want 12345", id)
	}
}

func Test_Allocator_neverDoubleAllocates(t *testing.T) {
	allocator := &Allocator{}
	const workers = 16
	const perWorker = 256

	ids := make(chan uint16, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := allocator.Allocate()
				if err != nil {
					t.Error("unexpected error", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint16]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("allocated %d distinct ids, want %d", len(seen), workers*perWorker)
	}
	if got := allocator.Count(); got != workers*perWorker {
		t.Fatalf("Count = %d, want %d", got, workers*perWorker)
	}
}

func Test_Allocator_reset(t *testing.T) {
	allocator := &Allocator{}
	for i := 0; i < 10; i++ {
		if _, err := allocator.Allocate(); err != nil {
			t.Fatal("unexpected error", err)
		}
	}
	allocator.Reset()
	if got := allocator.Count(); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
	id, err := allocator.Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0 after reset", id)
	}
}

func Test_DefaultAllocator(t *testing.T) {
	t.Cleanup(Reset)
	Reset()
	id, err := Allocate()
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0", id)
	}
	Release(id)
	if Default.Live(id) {
		t.Fatal("id still live after release")
	}
}
