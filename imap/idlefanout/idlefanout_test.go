package idlefanout_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/backend/memclient"
	"imapfront/imap/idlefanout"
	"imapfront/imap/mboxcache"
	"imapfront/imap/session"
	"imapfront/imap/uidindex"
)

func openTestIndex(t *testing.T) *uidindex.Store {
	t.Helper()
	dir := t.TempDir()
	idx, err := uidindex.Open(filepath.Join(dir, "uidindex.db"), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		idx.Close()
		os.RemoveAll(dir)
	})
	return idx
}

func TestFanoutEmitsStatusOnNewMailbox(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x"})
	sess, err := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}

	cache := mboxcache.New(mboxcache.Options{}, nil)
	if err := cache.RefreshSession(context.Background(), sess, nil); err != nil {
		t.Fatal(err)
	}

	var lines []string
	f := &idlefanout.Fanout{
		AccountID: "alice",
		Cache:     cache,
		Index:     openTestIndex(t),
		Write: func(line string) error {
			lines = append(lines, line)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := sess.EventSource(ctx, []string{"Mailbox"}, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, sess, changes) }()

	if _, err := sess.Mailbox().Set(context.Background(), backend.MailboxSetRequest{
		Create: map[string]backend.Mailbox{"c1": {Name: "Archive"}},
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if len(lines) == 0 {
		t.Fatal("expected at least one untagged response")
	}
}

func TestFanoutEmitsExpungeOnEmailChange(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"inbox": {ID: "inbox", Name: "INBOX"},
	}})
	sess, err := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}

	idx := openTestIndex(t)
	sel := &session.Selected{
		ID:        imap.MailboxID{AccountID: "alice", MailboxID: "inbox"},
		BackendID: "inbox",
		IsSelect:  true,
	}
	if err := sel.Synchronize(context.Background(), sess, idx); err != nil {
		t.Fatal(err)
	}

	var lines []string
	f := &idlefanout.Fanout{
		AccountID: "alice",
		Cache:     mboxcache.New(mboxcache.Options{}, nil),
		Index:     idx,
		Selected:  sel,
		Write: func(line string) error {
			lines = append(lines, line)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := sess.EventSource(ctx, []string{"Email"}, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, sess, changes) }()

	if _, err := sess.Email().Set(context.Background(), backend.EmailSetRequest{}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	found := false
	for _, l := range lines {
		if l == "* 0 EXISTS\r\n" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a `* 0 EXISTS` line, got %v", lines)
	}
}
