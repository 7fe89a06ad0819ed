package imapparser

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCompressUIDs(t *testing.T) {
	tests := []struct {
		uids []uint32
		want string
	}{
		{uids: nil, want: ""},
		{uids: []uint32{1}, want: "1"},
		{uids: []uint32{1, 2, 3}, want: "1:3"},
		{uids: []uint32{3, 1, 2}, want: "1:3"},
		{uids: []uint32{1, 3, 5}, want: "1,3,5"},
		{uids: []uint32{5, 1, 2, 3, 9, 10}, want: "1:3,5,9:10"},
		{uids: []uint32{7, 7, 8}, want: "7:8"},
	}
	for _, test := range tests {
		seqs := CompressUIDs(append([]uint32(nil), test.uids...))
		buf := new(bytes.Buffer)
		if err := FormatSeqs(buf, seqs); err != nil {
			t.Fatalf("FormatSeqs(%v): %v", test.uids, err)
		}
		if got := buf.String(); got != test.want {
			t.Errorf("CompressUIDs(%v) = %q, want %q", test.uids, got, test.want)
		}
	}
}

func TestCompressUIDsRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		set := make(map[uint32]bool)
		uids := make([]uint32, 0, 64)
		for i := 0; i < 64; i++ {
			uid := uint32(rnd.Intn(200) + 1)
			uids = append(uids, uid)
			set[uid] = true
		}
		seqs := CompressUIDs(uids)

		// Every compressed range must be well-formed and cover exactly
		// the input set.
		covered := make(map[uint32]bool)
		for _, r := range seqs {
			if r.Min == 0 || r.Max < r.Min {
				t.Fatalf("trial %d: bad range %v in %v", trial, r, seqs)
			}
			for v := r.Min; v <= r.Max; v++ {
				if covered[v] {
					t.Fatalf("trial %d: %d covered twice in %v", trial, v, seqs)
				}
				covered[v] = true
			}
		}
		for uid := range set {
			if !covered[uid] {
				t.Fatalf("trial %d: %d missing from %v", trial, uid, seqs)
			}
		}
		for v := range covered {
			if !set[v] {
				t.Fatalf("trial %d: %d invented by %v", trial, v, seqs)
			}
		}

		// Serializing and testing membership agrees with the set too.
		for uid := uint32(1); uid <= 201; uid++ {
			if SeqContains(seqs, uid) != set[uid] {
				t.Fatalf("trial %d: SeqContains(%v, %d) = %v, want %v",
					trial, seqs, uid, !set[uid], set[uid])
			}
		}
	}
}
