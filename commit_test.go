package coldb

import "testing"

// TestCoalesceFreeEntriesMergesAdjacentReclaimableRanges is spec section 4.4 step 1: two free
// ranges that abut in byte space, both freed by versions strictly older than the oldest active
// reader's snapshot, collapse into a single entry spanning both, keeping the newer of the two
// freeing versions.
func TestCoalesceFreeEntriesMergesAdjacentReclaimableRanges(t *testing.T) {
	entries := []rawFreeEntry{
		{pos: 100, size: 50, version: 3}, // [100,150)
		{pos: 150, size: 25, version: 5}, // [150,175), abuts the first
	}

	got := coalesceFreeEntries(entries, 10)

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}

	want := rawFreeEntry{pos: 100, size: 75, version: 5}
	if got[0] != want {
		t.Errorf("merged entry = %+v, want %+v", got[0], want)
	}
}

// TestCoalesceFreeEntriesLeavesGapUnmerged confirms two ranges separated by a gap are left
// distinct even though both are old enough to reclaim.
func TestCoalesceFreeEntriesLeavesGapUnmerged(t *testing.T) {
	entries := []rawFreeEntry{
		{pos: 100, size: 50, version: 1},
		{pos: 200, size: 50, version: 1}, // gap between 150 and 200
	}

	got := coalesceFreeEntries(entries, 10)

	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (non-adjacent ranges must not merge)", len(got))
	}
}

// TestCoalesceFreeEntriesRespectsActiveReaderFence confirms an adjacent pair is left unmerged when
// either side was freed by a version an active reader might still be resolving refs against.
func TestCoalesceFreeEntriesRespectsActiveReaderFence(t *testing.T) {
	entries := []rawFreeEntry{
		{pos: 100, size: 50, version: 3},  // [100,150), reclaimable
		{pos: 150, size: 25, version: 12}, // [150,175), NOT yet reclaimable (>= oldestReaderVersion)
	}

	got := coalesceFreeEntries(entries, 10)

	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (a reader may still depend on the version-12 range)", len(got))
	}
}

// TestCoalesceFreeEntriesSortsBeforeMerging confirms coalescing doesn't depend on input order:
// entries are sorted by position first, so an adjacent pair supplied out of order still merges.
func TestCoalesceFreeEntriesSortsBeforeMerging(t *testing.T) {
	entries := []rawFreeEntry{
		{pos: 150, size: 25, version: 2},
		{pos: 100, size: 50, version: 1},
	}

	got := coalesceFreeEntries(entries, 10)

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}

	want := rawFreeEntry{pos: 100, size: 75, version: 2}
	if got[0] != want {
		t.Errorf("merged entry = %+v, want %+v", got[0], want)
	}
}
