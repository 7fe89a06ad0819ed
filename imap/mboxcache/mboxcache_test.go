package mboxcache_test

import (
	"context"
	"testing"

	"imapfront/imap/backend"
	"imapfront/imap/backend/memclient"
	"imapfront/imap/mboxcache"
)

func connect(t *testing.T, c *memclient.Client, id string) backend.Session {
	t.Helper()
	sess, err := c.Connect(context.Background(), "", backend.Credentials{Username: id, Password: "x"})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestRefreshSessionBuildsInboxAndAllMail(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"inbox":   {ID: "inbox", Name: "Inbox", Role: "inbox"},
		"archive": {ID: "archive", Name: "Archive"},
	}})
	sess := connect(t, c, "alice")

	cache := mboxcache.New(mboxcache.Options{}, nil)
	if err := cache.RefreshSession(context.Background(), sess, nil); err != nil {
		t.Fatal(err)
	}

	snap, ok := cache.Snapshot("alice")
	if !ok {
		t.Fatal("expected a snapshot for alice")
	}
	names := map[string]bool{}
	for _, n := range snap.MailboxNames {
		names[n] = true
	}
	if !names["INBOX"] {
		t.Fatalf("expected INBOX in %v", snap.MailboxNames)
	}
	if !names["Archive"] {
		t.Fatalf("expected Archive in %v", snap.MailboxNames)
	}
	if !names["All Mail"] {
		t.Fatalf("expected All Mail in %v", snap.MailboxNames)
	}
}

func TestRefreshSessionNestsChildMailboxes(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"work":        {ID: "work", Name: "Work"},
		"work-urgent": {ID: "work-urgent", Name: "Urgent", ParentID: "work"},
	}})
	sess := connect(t, c, "alice")

	cache := mboxcache.New(mboxcache.Options{}, nil)
	if err := cache.RefreshSession(context.Background(), sess, nil); err != nil {
		t.Fatal(err)
	}
	snap, _ := cache.Snapshot("alice")
	if _, ok := snap.NameToID["Work/Urgent"]; !ok {
		t.Fatalf("expected Work/Urgent in %v", snap.NameToID)
	}
}

func TestRefreshSessionAddsSharedAccountUnderPrefix(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"inbox": {ID: "inbox", Name: "Inbox", Role: "inbox"},
	}})
	c.Seed(memclient.Account{ID: "bob", Password: "y", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"inbox": {ID: "inbox", Name: "Inbox", Role: "inbox"},
	}})
	sess := connect(t, c, "alice")

	cache := mboxcache.New(mboxcache.Options{}, nil)
	if err := cache.RefreshSession(context.Background(), sess, []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	snap, ok := cache.Snapshot("bob")
	if !ok {
		t.Fatal("expected a snapshot for bob")
	}
	if _, ok := snap.NameToID["Shared Folders/bob/INBOX"]; !ok {
		t.Fatalf("expected Shared Folders/bob/INBOX in %v", snap.NameToID)
	}

	accounts := cache.Accounts()
	if len(accounts) != 2 || accounts[0].AccountID != "alice" {
		t.Fatalf("expected alice first, got %+v", accounts)
	}
}
