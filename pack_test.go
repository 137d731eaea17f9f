package coldb

import "testing"

func TestBitWidth(t *testing.T) {
	cases := []struct {
		v    int64
		want int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 4},
		{15, 4},
		{16, 8},
		{127, 8},
		{128, 16},
		{200, 16},
		{255, 16},
		{256, 16},
		{32767, 16},
		{32768, 32},
		{1 << 31, 64},
		{-1, 8},
		{-8, 8},
		{-129, 16},
	}

	for _, c := range cases {
		if got := bitWidth(c.v); got != c.want {
			t.Errorf("bitWidth(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestGetSetValueRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8, 16, 32, 64} {
		payload := make([]byte, requiredBytes(32, width))

		var vals []int64
		for i := 0; i < 32; i++ {
			v := int64(i)
			if width >= 8 {
				v = int64(i) - 16 // exercise negative values at wider widths
			} else if width == 4 {
				v = int64(i % 16)
			} else if width == 2 {
				v = int64(i % 4)
			} else if width == 1 {
				v = int64(i % 2)
			}

			vals = append(vals, v)
			setValue(payload, width, i, v)
		}

		for i, want := range vals {
			if got := getValue(payload, width, i); got != want {
				t.Errorf("width %d: getValue(%d) = %d, want %d", width, i, got, want)
			}
		}
	}
}

func TestFindFirstEQAcrossWidths(t *testing.T) {
	for _, width := range []int{8, 16, 32, 64} {
		n := 37 // deliberately not a multiple of the lane count, to exercise remainder scans
		payload := make([]byte, requiredBytes(n, width))

		// i*3 tops out at 108, inside the signed 8-bit range of the narrowest width tested.
		for i := 0; i < n; i++ {
			setValue(payload, width, i, int64(i*3))
		}

		idx, found := findFirstEQ(payload, width, 0, n, 60)
		if !found || idx != 20 {
			t.Errorf("width %d: findFirstEQ(60) = (%d, %t), want (20, true)", width, idx, found)
		}

		if _, found := findFirstEQ(payload, width, 0, n, 9999); found {
			t.Errorf("width %d: findFirstEQ(9999) unexpectedly found", width)
		}

		// A target at the very first and very last slot must still be found.
		if idx, found := findFirstEQ(payload, width, 0, n, 0); !found || idx != 0 {
			t.Errorf("width %d: findFirstEQ(0) = (%d, %t), want (0, true)", width, idx, found)
		}

		last := int64((n - 1) * 3)
		if idx, found := findFirstEQ(payload, width, 0, n, last); !found || idx != n-1 {
			t.Errorf("width %d: findFirstEQ(%d) = (%d, %t), want (%d, true)", width, last, idx, found, n-1)
		}
	}
}

func TestFindFirstComparators(t *testing.T) {
	width := 8
	vals := []int64{10, 20, 30, 40, 50, 60, 70, 80}
	payload := make([]byte, requiredBytes(len(vals), width))
	for i, v := range vals {
		setValue(payload, width, i, v)
	}

	if idx, found := findFirst(payload, width, 0, len(vals), CmpEQ, 50); !found || idx != 4 {
		t.Errorf("CmpEQ 50 = (%d, %t), want (4, true)", idx, found)
	}

	if _, found := findFirst(payload, width, 0, len(vals), CmpEQ, 99); found {
		t.Error("CmpEQ 99 unexpectedly found")
	}

	if idx, found := findFirst(payload, width, 0, len(vals), CmpGT, 65); !found || idx != 6 {
		t.Errorf("CmpGT 65 = (%d, %t), want (6, true)", idx, found)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{IsInner: true, HasRefs: true, ContextFlag: true, Width: 32, Size: 12, Capacity: requiredBytes(12, 32)}
	enc := EncodeHeader(h)

	dec, err := DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}

	if dec != h {
		t.Errorf("round-trip mismatch: got %+v, want %+v", dec, h)
	}
}

func TestHeaderDecodeRejectsReservedByte(t *testing.T) {
	enc := EncodeHeader(Header{Width: 8, Size: 4, Capacity: 4})
	enc[7] = 1

	if _, err := DecodeHeader(enc[:]); err != ErrCorruption {
		t.Errorf("DecodeHeader with nonzero reserved byte = %v, want ErrCorruption", err)
	}
}

func TestHeaderDecodeRejectsUndersizedCapacity(t *testing.T) {
	enc := EncodeHeader(Header{Width: 32, Size: 10, Capacity: 40})
	enc[4], enc[5], enc[6] = 0, 0, 4 // shrink the encoded capacity below what size*width needs

	if _, err := DecodeHeader(enc[:]); err != ErrCorruption {
		t.Errorf("DecodeHeader with undersized capacity = %v, want ErrCorruption", err)
	}
}
