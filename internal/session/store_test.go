package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("new store ActiveCount() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	sum, ok := s.Get("nonexistent")
	if ok {
		t.Error("Get for missing key returned ok=true")
	}
	if sum != nil {
		t.Error("Get for missing key returned non-nil summary")
	}
}

func TestUpdateAndGet(t *testing.T) {
	s := NewStore()
	s.Update(&Summary{ID: "a", Name: "alpha", Activity: Thinking})

	sum, ok := s.Get("a")
	if !ok {
		t.Fatal("Get returned ok=false after Update")
	}
	if sum.ID != "a" || sum.Name != "alpha" || sum.Activity != Thinking {
		t.Errorf("Get returned unexpected summary: %+v", sum)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(&Summary{ID: "a", Name: "original"})

	got, _ := s.Get("a")
	got.Name = "mutated"

	got2, _ := s.Get("a")
	if got2.Name != "original" {
		t.Error("Get did not return a copy; mutation leaked into store")
	}
}

func TestUpdateStoresCopy(t *testing.T) {
	s := NewStore()
	sum := &Summary{ID: "a", Name: "original"}
	s.Update(sum)

	sum.Name = "mutated"

	got, _ := s.Get("a")
	if got.Name != "original" {
		t.Error("Update did not copy input; external mutation leaked into store")
	}
}

func TestGetAllOrderedByStart(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.Update(&Summary{ID: "late", StartedAt: base.Add(time.Minute)})
	s.Update(&Summary{ID: "early", StartedAt: base})
	s.Update(&Summary{ID: "middle", StartedAt: base.Add(30 * time.Second)})

	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll returned %d summaries, want 3", len(all))
	}
	want := []string{"early", "middle", "late"}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("GetAll()[%d].ID = %q, want %q", i, all[i].ID, id)
		}
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Update(&Summary{ID: "a"})
	s.Remove("a")

	if _, ok := s.Get("a"); ok {
		t.Error("Get returned ok=true after Remove")
	}
	// Removing a missing id is a no-op.
	s.Remove("a")
}

func TestActiveCount(t *testing.T) {
	s := NewStore()
	s.Update(&Summary{ID: "a", Activity: Thinking})
	s.Update(&Summary{ID: "b", Activity: Complete})
	s.Update(&Summary{ID: "c", Activity: Errored})
	s.Update(&Summary{ID: "d", Activity: Idle})

	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			for j := 0; j < 100; j++ {
				s.Update(&Summary{ID: id, MessageCount: j})
				s.Get(id)
				s.GetAll()
				s.ActiveCount()
			}
		}(i)
	}
	wg.Wait()

	if got := len(s.GetAll()); got != 10 {
		t.Errorf("store has %d sessions after concurrent writes, want 10", got)
	}
}
