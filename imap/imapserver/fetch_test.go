package imapserver

import "testing"

func TestPartialWindow(t *testing.T) {
	tests := []struct {
		reqStart, reqLength uint32
		size                int64
		wantStart, wantN    int64
	}{
		{reqStart: 0, reqLength: 25, size: 100, wantStart: 0, wantN: 25},
		{reqStart: 10, reqLength: 15, size: 48, wantStart: 10, wantN: 15},
		{reqStart: 40, reqLength: 15, size: 48, wantStart: 40, wantN: 8},
		{reqStart: 48, reqLength: 15, size: 48, wantStart: 48, wantN: 0},
		{reqStart: 100, reqLength: 15, size: 48, wantStart: 48, wantN: 0},
		{reqStart: 0, reqLength: 15, size: 0, wantStart: 0, wantN: 0},
		{reqStart: 0, reqLength: 0, size: 48, wantStart: 0, wantN: 0},
		{reqStart: 5, reqLength: 0, size: 48, wantStart: 5, wantN: 0},
	}
	for _, test := range tests {
		start, n := partialWindow(test.reqStart, test.reqLength, test.size)
		if start != test.wantStart || n != test.wantN {
			t.Errorf("partialWindow(%d, %d, %d) = (%d, %d), want (%d, %d)",
				test.reqStart, test.reqLength, test.size, start, n, test.wantStart, test.wantN)
		}
		if n == 0 != (test.wantN == 0) || start >= test.size && n != 0 {
			t.Errorf("partialWindow(%d, %d, %d): window past the end must be empty",
				test.reqStart, test.reqLength, test.size)
		}
	}
}
