package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testPrefix = "correlation:registry_test"

func TestInsert_Duplicate(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)

	if _, err := r.Insert("id-1", "ext-a", deadline); err != nil {
		t.Fatalf("%s - first insert failed: %v", testPrefix, err)
	}
	if _, err := r.Insert("id-1", "ext-b", deadline); err == nil {
		t.Fatalf("%s - expected duplicate insert to fail", testPrefix)
	}
	if r.Len() != 1 {
		t.Errorf("%s - expected 1 entry, got %d", testPrefix, r.Len())
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	r := NewRegistry()
	entry, err := r.Insert("id-1", "ext-a", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("%s - insert failed: %v", testPrefix, err)
	}

	// Many goroutines race to resolve the same entry; exactly one must win.
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out := Outcome{Payload: json.RawMessage(fmt.Sprintf(`{"winner":%d}`, n))}
			if r.Resolve("id-1", out) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%s - expected exactly 1 winning resolve, got %d", testPrefix, wins.Load())
	}

	select {
	case out := <-entry.Done():
		if out.Payload == nil {
			t.Errorf("%s - expected payload in outcome", testPrefix)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - outcome never delivered", testPrefix)
	}

	if r.Len() != 0 {
		t.Errorf("%s - expected registry empty after resolve, got %d", testPrefix, r.Len())
	}
}

func TestResolve_UnknownID(t *testing.T) {
	r := NewRegistry()
	if r.Resolve("ghost", Outcome{}) {
		t.Errorf("%s - expected resolve of unknown id to be dropped", testPrefix)
	}
}

func TestCancel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Insert("id-1", "ext-a", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("%s - insert failed: %v", testPrefix, err)
	}

	if !r.Cancel("id-1") {
		t.Fatalf("%s - expected cancel to succeed", testPrefix)
	}
	if r.Cancel("id-1") {
		t.Errorf("%s - expected second cancel to report already gone", testPrefix)
	}
	// A late response after cancellation is dropped.
	if r.Resolve("id-1", Outcome{}) {
		t.Errorf("%s - expected late resolve after cancel to be dropped", testPrefix)
	}
}

func TestExpired(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	past, err := r.Insert("id-past", "ext-a", now.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("%s - insert failed: %v", testPrefix, err)
	}
	if _, err := r.Insert("id-future", "ext-a", now.Add(time.Hour)); err != nil {
		t.Fatalf("%s - insert failed: %v", testPrefix, err)
	}

	expired := r.Expired(now)
	if len(expired) != 1 || expired[0].ID != "id-past" {
		t.Fatalf("%s - expected only id-past to expire, got %v", testPrefix, expired)
	}

	timeoutErr := errors.New("deadline exceeded")
	expired[0].Deliver(Outcome{Err: timeoutErr})
	out := <-past.Done()
	if out.Err != timeoutErr {
		t.Errorf("%s - expected timeout outcome, got %v", testPrefix, out.Err)
	}

	if r.Len() != 1 {
		t.Errorf("%s - expected 1 remaining entry, got %d", testPrefix, r.Len())
	}
	// Expired entries must not be resolvable again.
	if r.Resolve("id-past", Outcome{}) {
		t.Errorf("%s - expected reaped entry to be gone from the registry", testPrefix)
	}
}

func TestFailExtension(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Hour)

	a1, _ := r.Insert("a-1", "ext-a", deadline)
	a2, _ := r.Insert("a-2", "ext-a", deadline)
	if _, err := r.Insert("b-1", "ext-b", deadline); err != nil {
		t.Fatalf("%s - insert failed: %v", testPrefix, err)
	}

	if got := r.PendingCount("ext-a"); got != 2 {
		t.Fatalf("%s - expected 2 pending for ext-a, got %d", testPrefix, got)
	}

	failure := errors.New("extension failed")
	n := r.FailExtension("ext-a", Outcome{Err: failure})
	if n != 2 {
		t.Fatalf("%s - expected 2 failed entries, got %d", testPrefix, n)
	}

	for _, e := range []*Entry{a1, a2} {
		out := <-e.Done()
		if out.Err != failure {
			t.Errorf("%s - expected failure outcome for %s, got %v", testPrefix, e.ID, out.Err)
		}
	}

	if got := r.PendingCount("ext-b"); got != 1 {
		t.Errorf("%s - expected ext-b untouched, got %d pending", testPrefix, got)
	}
}
