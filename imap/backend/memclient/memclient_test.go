package memclient_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"imapfront/imap/backend"
	"imapfront/imap/backend/memclient"
)

func TestConnectRejectsBadCredentials(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "hunter2"})
	if _, err := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "wrong"}); err == nil {
		t.Fatal("expected error for bad password")
	}
}

func TestMailboxQueryAndGet(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{
		ID:       "alice",
		Password: "x",
		Mailboxes: map[backend.MailboxID]backend.Mailbox{
			"inbox": {ID: "inbox", Name: "INBOX", Role: "inbox"},
		},
	})
	sess, err := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := sess.Mailbox().Query(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("Query() = %v, %v", ids, err)
	}
	boxes, err := sess.Mailbox().Get(context.Background(), ids)
	if err != nil || len(boxes) != 1 || boxes[0].Name != "INBOX" {
		t.Fatalf("Get() = %v, %v", boxes, err)
	}
}

func TestEmailImportThenQuery(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x", Mailboxes: map[backend.MailboxID]backend.Mailbox{
		"inbox": {ID: "inbox", Name: "INBOX"},
	}})
	sess, _ := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "x"})

	_, err := sess.Email().Import(context.Background(), "alice", bytes.NewReader([]byte("hello")),
		map[backend.MailboxID]bool{"inbox": true}, nil, time.Unix(1000, 0))
	if err != nil {
		t.Fatal(err)
	}
	result, err := sess.Email().Query(context.Background(), backend.Filter{InMailbox: "inbox"}, nil, 0, 10)
	if err != nil || len(result.IDs) != 1 {
		t.Fatalf("Query() = %v, %v", result, err)
	}
}

func TestEventSourceDeliversMailboxChange(t *testing.T) {
	c := memclient.New()
	c.Seed(memclient.Account{ID: "alice", Password: "x"})
	sess, _ := c.Connect(context.Background(), "", backend.Credentials{Username: "alice", Password: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sess.EventSource(ctx, []string{"Mailbox"}, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	name := "Archive"
	if _, err := sess.Mailbox().Set(context.Background(), backend.MailboxSetRequest{
		Create: map[string]backend.Mailbox{"c1": {Name: name}},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if _, ok := ev.Types["Mailbox"]; !ok {
			t.Fatalf("expected a Mailbox change, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mailbox change event")
	}
}
