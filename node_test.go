package coldb

import (
	"path/filepath"
	"testing"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()

	path := filepath.Join(t.TempDir(), "node_test.coldb")
	db, err := Open(Options{Filepath: path, Mode: ReadWrite, InitialMmapSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { db.Remove() })

	return db.Allocator()
}

// TestNodeWidthPromotionOnInsert exercises spec section 8.2 scenario 1: inserting 1, 2, 3 keeps
// width 2; inserting 100 must promote to width 8 without disturbing the earlier elements (100
// needs the sign-extended 8-bit range; 128 and above would require width 16, per bitWidth).
func TestNodeWidthPromotionOnInsert(t *testing.T) {
	a := newTestAllocator(t)

	n, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	for _, v := range []int64{1, 2, 3} {
		if err := n.Append(v); err != nil {
			t.Fatalf("Append(%d): %v", v, err)
		}
	}

	if n.Width() != 2 {
		t.Fatalf("width after [1,2,3] = %d, want 2", n.Width())
	}

	if n.Size() != 3 {
		t.Fatalf("size after [1,2,3] = %d, want 3", n.Size())
	}

	if err := n.Append(100); err != nil {
		t.Fatalf("Append(100): %v", err)
	}

	if n.Width() != 8 {
		t.Fatalf("width after appending 100 = %d, want 8", n.Width())
	}

	if n.Size() != 4 {
		t.Fatalf("size after appending 100 = %d, want 4", n.Size())
	}

	want := []int64{1, 2, 3, 100}
	for i, w := range want {
		got, err := n.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}

		if got != w {
			t.Errorf("Get(%d) = %d, want %d", i, got, w)
		}
	}
}

// TestNodeFindFirstAcrossWidth8 is spec section 8.2 scenario 2.
func TestNodeFindFirstAcrossWidth8(t *testing.T) {
	a := newTestAllocator(t)

	n, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	for _, v := range []int64{10, 20, 30, 40, 50, 60, 70, 80} {
		if err := n.Append(v); err != nil {
			t.Fatalf("Append(%d): %v", v, err)
		}
	}

	if idx, found, err := n.FindFirst(CmpEQ, 50, 0, n.Size()); err != nil || !found || idx != 4 {
		t.Errorf("FindFirst(eq,50) = (%d,%t,%v), want (4,true,nil)", idx, found, err)
	}

	if _, found, err := n.FindFirst(CmpEQ, 99, 0, n.Size()); err != nil || found {
		t.Errorf("FindFirst(eq,99) found = %t, want false", found)
	}

	if idx, found, err := n.FindFirst(CmpGT, 65, 0, n.Size()); err != nil || !found || idx != 6 {
		t.Errorf("FindFirst(gt,65) = (%d,%t,%v), want (6,true,nil)", idx, found, err)
	}
}

func TestNodeInsertEraseOrderPreserving(t *testing.T) {
	a := newTestAllocator(t)

	n, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		if err := n.Append(i); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	if err := n.Insert(5, 999); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	want := []int64{0, 1, 2, 3, 4, 999, 5, 6, 7, 8, 9}
	for i, w := range want {
		got, err := n.Get(i)
		if err != nil || got != w {
			t.Errorf("Get(%d) = (%d,%v), want %d", i, got, err, w)
		}
	}

	if err := n.Erase(5); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	for i := 0; i < 10; i++ {
		got, err := n.Get(i)
		if err != nil || got != int64(i) {
			t.Errorf("Get(%d) after erase = (%d,%v), want %d", i, got, err, i)
		}
	}

	if n.Width() != 16 {
		t.Errorf("width narrowed after erase: got %d, want unchanged 16 (spec forbids narrowing)", n.Width())
	}
}

func TestNodeSumAndBounds(t *testing.T) {
	a := newTestAllocator(t)

	n, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	for _, v := range []int64{1, 3, 5, 7, 9, 11} {
		if err := n.Append(v); err != nil {
			t.Fatalf("Append(%d): %v", v, err)
		}
	}

	sum, err := n.Sum(0, n.Size())
	if err != nil || sum != 36 {
		t.Errorf("Sum = (%d,%v), want 36", sum, err)
	}

	if idx, err := n.LowerBound(6); err != nil || idx != 3 {
		t.Errorf("LowerBound(6) = (%d,%v), want 3", idx, err)
	}

	if idx, err := n.UpperBound(7); err != nil || idx != 4 {
		t.Errorf("UpperBound(7) = (%d,%v), want 4", idx, err)
	}
}

func TestNodeTruncateDestroysRefs(t *testing.T) {
	a := newTestAllocator(t)

	child1, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode child1: %v", err)
	}

	child2, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode child2: %v", err)
	}

	parent, err := NewNode(a, true, true, false)
	if err != nil {
		t.Fatalf("NewNode parent: %v", err)
	}

	if err := parent.Append(int64(child1.Ref())); err != nil {
		t.Fatalf("Append child1 ref: %v", err)
	}

	if err := parent.Append(int64(child2.Ref())); err != nil {
		t.Fatalf("Append child2 ref: %v", err)
	}

	if err := parent.Truncate(1, true); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if parent.Size() != 1 {
		t.Fatalf("size after truncate = %d, want 1", parent.Size())
	}
}

func TestNodeFindHamming(t *testing.T) {
	a := newTestAllocator(t)

	n, err := NewNode(a, false, false, false)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	// Force width 64 immediately so FindHamming's width check passes.
	if err := n.Append(1 << 40); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := n.Append(0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	idx, found, err := n.FindHamming(0, 1, 0, n.Size())
	if err != nil {
		t.Fatalf("FindHamming: %v", err)
	}

	if !found || idx != 1 {
		t.Errorf("FindHamming = (%d,%t), want (1,true)", idx, found)
	}
}
