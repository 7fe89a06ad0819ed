package session_test

import (
	"testing"

	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/session"
)

func newTestSelected(uids []uint32, ids []string) *session.Selected {
	sel := &session.Selected{
		ID:        imap.MailboxID{AccountID: "acct1", MailboxID: "mbox1"},
		BackendID: backend.MailboxID("mbox1"),
		IsSelect:  true,
	}
	// exercised only through the exported API below; state is seeded via
	// ExtendTail starting from an empty selection.
	sel.ExtendTail(uids, ids)
	return sel
}

func TestSelectedStateArrayParity(t *testing.T) {
	sel := newTestSelected([]uint32{1, 2, 3, 5}, []string{"a", "b", "c", "d"})
	snap := sel.Snapshot()
	if len(snap.ImapUIDs) != len(snap.BackendIDs) {
		t.Fatalf("imap_uids and backend_ids diverge: %d != %d", len(snap.ImapUIDs), len(snap.BackendIDs))
	}
	if int(snap.TotalMessages) != len(snap.ImapUIDs) {
		t.Fatalf("total_messages = %d, want %d", snap.TotalMessages, len(snap.ImapUIDs))
	}
	for i := 1; i < len(snap.ImapUIDs); i++ {
		if snap.ImapUIDs[i] <= snap.ImapUIDs[i-1] {
			t.Fatalf("imap_uids not strictly ascending at %d: %v", i, snap.ImapUIDs)
		}
	}
}

func TestRemoveExpungedKeepsArraysAligned(t *testing.T) {
	sel := newTestSelected([]uint32{1, 2, 3, 4}, []string{"a", "b", "c", "d"})
	removed := sel.RemoveExpunged(map[string]bool{"b": true, "d": true})
	if len(removed) != 2 || removed[0].SeqNum != 4 || removed[1].SeqNum != 2 {
		t.Fatalf("removed seq nums = %v, want seq nums [4 2] (descending)", removed)
	}
	if removed[0].UID != 4 || removed[1].UID != 2 {
		t.Fatalf("removed uids = %v, want uids [4 2]", removed)
	}
	snap := sel.Snapshot()
	if len(snap.ImapUIDs) != 2 || len(snap.BackendIDs) != 2 {
		t.Fatalf("arrays not trimmed: %v %v", snap.ImapUIDs, snap.BackendIDs)
	}
	if snap.ImapUIDs[0] != 1 || snap.ImapUIDs[1] != 3 {
		t.Fatalf("unexpected surviving uids: %v", snap.ImapUIDs)
	}
}

func TestSeqNumForUID(t *testing.T) {
	sel := newTestSelected([]uint32{10, 20, 30}, []string{"a", "b", "c"})
	if seq, ok := sel.SeqNumForUID(20); !ok || seq != 2 {
		t.Fatalf("SeqNumForUID(20) = %d, %v; want 2, true", seq, ok)
	}
	if _, ok := sel.SeqNumForUID(99); ok {
		t.Fatalf("SeqNumForUID(99) should miss")
	}
	if uid, ok := sel.UIDForSeqNum(3); !ok || uid != 30 {
		t.Fatalf("UIDForSeqNum(3) = %d, %v; want 30, true", uid, ok)
	}
}
