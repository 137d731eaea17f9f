package coldb

import (
	"path/filepath"
	"testing"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()

	a := newTestAllocator(t)

	tr, err := NewTree(a)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	return tr
}

// TestTreeAppendSplitsLeafAtLeafMax exercises spec section 8.2 scenario 3's shape: appending past
// LeafMax forces the root to split into an inner node with two leaf children, and every element
// must still be reachable at its original global index afterward.
func TestTreeAppendSplitsLeafAtLeafMax(t *testing.T) {
	tr := newTestTree(t)

	const n = LeafMax + 500
	for i := 0; i < n; i++ {
		if err := tr.Append(int64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	size, err := tr.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if size != n {
		t.Fatalf("Size() = %d, want %d", size, n)
	}

	if !tr.root.IsInner() {
		t.Fatalf("root is not inner after exceeding LeafMax (%d elements, LeafMax=%d)", n, LeafMax)
	}

	for i := 0; i < n; i += 97 { // sample across the range, not every index
		v, err := tr.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}

		if v != int64(i) {
			t.Errorf("Get(%d) = %d, want %d", i, v, i)
		}
	}

	// Endpoints must survive the split exactly.
	if v, err := tr.Get(0); err != nil || v != 0 {
		t.Errorf("Get(0) = (%d,%v), want (0,nil)", v, err)
	}

	if v, err := tr.Get(n - 1); err != nil || v != int64(n-1) {
		t.Errorf("Get(%d) = (%d,%v), want (%d,nil)", n-1, v, err, n-1)
	}
}

func TestTreeInsertShiftsSubsequentElements(t *testing.T) {
	tr := newTestTree(t)

	for i := 0; i < 10; i++ {
		if err := tr.Append(int64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	if err := tr.Insert(3, 999); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	want := []int64{0, 1, 2, 999, 3, 4, 5, 6, 7, 8, 9}
	for i, w := range want {
		got, err := tr.Get(i)
		if err != nil || got != w {
			t.Errorf("Get(%d) = (%d,%v), want %d", i, got, err, w)
		}
	}
}

func TestTreeEraseAcrossSplitLeaves(t *testing.T) {
	tr := newTestTree(t)

	const n = LeafMax + 200
	for i := 0; i < n; i++ {
		if err := tr.Append(int64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	// splitLeaf's even split cuts the first full leaf at LeafMax/2, so this range straddles the
	// boundary between the first two leaves.
	const boundary = LeafMax / 2
	if err := tr.EraseRange(boundary-5, boundary+5); err != nil {
		t.Fatalf("EraseRange: %v", err)
	}

	size, err := tr.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if size != n-10 {
		t.Fatalf("Size() after erase = %d, want %d", size, n-10)
	}

	v, err := tr.Get(boundary - 6)
	if err != nil || v != int64(boundary-6) {
		t.Errorf("Get(%d) = (%d,%v), want %d", boundary-6, v, err, boundary-6)
	}

	v, err = tr.Get(boundary - 5)
	if err != nil || v != int64(boundary+5) {
		t.Errorf("Get(%d) after erase = (%d,%v), want %d", boundary-5, v, err, boundary+5)
	}
}

func TestTreeTruncateAndClear(t *testing.T) {
	tr := newTestTree(t)

	for i := 0; i < 20; i++ {
		if err := tr.Append(int64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	if err := tr.Truncate(5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	size, err := tr.Size()
	if err != nil || size != 5 {
		t.Fatalf("Size() after Truncate(5) = (%d,%v), want 5", size, err)
	}

	if err := tr.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	size, err = tr.Size()
	if err != nil || size != 0 {
		t.Fatalf("Size() after Clear = (%d,%v), want 0", size, err)
	}
}

func TestTreeSumAndFindFirstAcrossLeaves(t *testing.T) {
	tr := newTestTree(t)

	const n = LeafMax + 50
	var want int64
	for i := 0; i < n; i++ {
		if err := tr.Append(int64(1)); err != nil {
			t.Fatalf("Append: %v", err)
		}

		want++
	}

	sum, err := tr.Sum(0, n)
	if err != nil || sum != want {
		t.Errorf("Sum = (%d,%v), want %d", sum, err, want)
	}

	if err := tr.Set(LeafMax+10, 42); err != nil {
		t.Fatalf("Set: %v", err)
	}

	idx, found, err := tr.FindFirst(CmpEQ, 42, 0, n)
	if err != nil || !found || idx != LeafMax+10 {
		t.Errorf("FindFirst(eq,42) = (%d,%t,%v), want (%d,true,nil)", idx, found, err, LeafMax+10)
	}
}

func TestTreeSequentialGetterCachesLeaf(t *testing.T) {
	tr := newTestTree(t)

	const n = LeafMax + 20
	for i := 0; i < n; i++ {
		if err := tr.Append(int64(i * 2)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sg := tr.NewSequentialGetter()
	for i := 0; i < n; i++ {
		v, err := sg.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}

		if v != int64(i*2) {
			t.Errorf("Get(%d) = %d, want %d", i, v, i*2)
		}
	}
}

func TestTreeDestroyFreesEveryRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree_destroy.coldb")
	db, err := Open(Options{Filepath: path, Mode: ReadWrite, InitialMmapSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Remove()

	a := db.Allocator()

	tr, err := NewTree(a)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	for i := 0; i < LeafMax+50; i++ {
		if err := tr.Append(int64(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := tr.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
