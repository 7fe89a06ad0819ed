package uidindex_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"imapfront/imap/uidindex"
)

func openTestStore(t *testing.T) *uidindex.Store {
	t.Helper()
	dir, err := ioutil.TempDir("", "uidindex-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := uidindex.Open(filepath.Join(dir, "uidindex.db"), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSynchronizeAssignsMonotonicUIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	uv1, next1, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if uv1 == 0 {
		t.Fatalf("uid_validity must be non-zero")
	}
	if next1 != 4 {
		t.Errorf("uid_next = %d, want 4", next1)
	}

	// UID stability: re-synchronizing with the same set must not move
	// existing UIDs, and must not change UIDVALIDITY.
	mappings, err := s.JmapToImap(ctx, "acct1", "INBOX", []string{"a", "b", "c"}, false)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint32{"a": 1, "b": 2, "c": 3}
	for i, id := range mappings.BackendIDs {
		if mappings.UIDs[i] != want[id] {
			t.Errorf("uid(%s) = %d, want %d", id, mappings.UIDs[i], want[id])
		}
	}

	uv2, next2, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatal(err)
	}
	if uv2 != uv1 {
		t.Errorf("uid_validity changed across a plain synchronize: %d != %d", uv2, uv1)
	}
	if next2 != 5 {
		t.Errorf("uid_next = %d, want 5", next2)
	}
}

func TestSynchronizeTombstonesRemovedIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, _, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"b"}); err != nil {
		t.Fatal(err)
	}

	mappings, err := s.JmapToImap(ctx, "acct1", "INBOX", []string{"a"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings.BackendIDs) != 0 {
		t.Errorf("expected id %q to be gone from the forward index, got %v", "a", mappings)
	}

	vanished, err := s.VanishedSince(ctx, "acct1", "INBOX", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vanished, []uint32{1}) {
		t.Errorf("vanished = %v, want [1]", vanished)
	}
}

func TestJmapToImapRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, _, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"x", "y", "z"}); err != nil {
		t.Fatal(err)
	}

	mappings, err := s.JmapToImap(ctx, "acct1", "INBOX", []string{"x", "z"}, false)
	if err != nil {
		t.Fatal(err)
	}
	back, err := s.ImapToJmap(ctx, "acct1", "INBOX", mappings.UIDs)
	if err != nil {
		t.Fatal(err)
	}
	gotSet := map[string]bool{}
	for _, id := range back.BackendIDs {
		gotSet[id] = true
	}
	for _, id := range []string{"x", "z"} {
		if !gotSet[id] {
			t.Errorf("round trip lost id %q", id)
		}
	}
}

func TestAddMissingAssignsNewUID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, _, err := s.Synchronize(ctx, "acct1", "INBOX", []string{"a"}); err != nil {
		t.Fatal(err)
	}

	mappings, err := s.JmapToImap(ctx, "acct1", "INBOX", []string{"a", "new"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings.UIDs) != 2 {
		t.Fatalf("expected both ids mapped, got %v", mappings)
	}
	if mappings.UIDs[1] <= mappings.UIDs[0] {
		t.Errorf("newly assigned uid %d must exceed %d", mappings.UIDs[1], mappings.UIDs[0])
	}
}
