package ring

import "testing"

func TestPushWithinCapacity(t *testing.T) {
	t.Parallel()
	b := New[int](4)
	b.Push(1)
	b.Push(2)
	b.Push(3)

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if got := b.Items(); got[0] != 1 || got[2] != 3 {
		t.Errorf("Items() = %v, want [1 2 3]", got)
	}
}

func TestPushEvictsOldest(t *testing.T) {
	t.Parallel()
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	got := b.Items()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Items()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLast(t *testing.T) {
	t.Parallel()
	b := New[int](10)
	for i := 0; i < 6; i++ {
		b.Push(i)
	}

	got := b.Last(3)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("Last(3) = %v, want [3 4 5]", got)
	}
	if all := b.Last(100); len(all) != 6 {
		t.Errorf("Last(100) returned %d elements, want 6", len(all))
	}
}

func TestHeadTail(t *testing.T) {
	t.Parallel()
	b := New[string](2)

	if _, ok := b.Head(); ok {
		t.Error("Head() on empty buffer reported ok=true")
	}
	b.Push("a")
	b.Push("b")
	b.Push("c")

	head, _ := b.Head()
	tail, _ := b.Tail()
	if head != "b" {
		t.Errorf("Head() = %q, want %q", head, "b")
	}
	if tail != "c" {
		t.Errorf("Tail() = %q, want %q", tail, "c")
	}
}
