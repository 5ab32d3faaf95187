package refresh

import "testing"

func TestPriorityQueueFIFOOrdering(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Add(3)
	pq.Add(1)
	pq.Add(2)

	got := pq.DrainAll()
	want := []int64{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestPriorityQueueDedupesOnAdd(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Add(1)
	pq.Add(1)
	pq.Add(1)

	if !pq.IsPending(1) {
		t.Fatal("expected provider 1 to be pending")
	}
	if pq.Len() != 1 {
		t.Fatalf("expected single entry after duplicate adds, got %d", pq.Len())
	}
}

func TestPriorityQueueDrainAllClearsQueue(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Add(1)
	pq.Add(2)

	_ = pq.DrainAll()

	if pq.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got %d", pq.Len())
	}
	if pq.IsPending(1) {
		t.Error("expected provider 1 to no longer be pending after drain")
	}
}

func TestPriorityQueueAddAfterDrainIsAccepted(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Add(1)
	_ = pq.DrainAll()

	pq.Add(1)
	if !pq.IsPending(1) {
		t.Error("expected provider 1 to be re-addable after a prior drain")
	}
}
