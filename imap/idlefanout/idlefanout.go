// Package idlefanout drives the untagged responses an IDLE-ing connection
// emits in reaction to upstream backend changes. It
// consumes the backend.Changes stream a Session.EventSource subscription
// produces and turns each batch into LIST/STATUS (mailbox-level) or
// EXPUNGE/EXISTS (message-level, only while a mailbox is selected)
// untagged lines.
//
// imapserver's writeUpdates/sendIdleUpdate already coalesce
// EXISTS/EXPUNGE notifications per connection; this package also
// consumes mailbox-level change events, and drives both off one
// backend.Session.EventSource subscription rather than same-process
// fan-out between sibling connections of one user.
package idlefanout

import (
	"context"
	"fmt"

	"imapfront/imap/backend"
	"imapfront/imap/mboxcache"
	"imapfront/imap/session"
	"imapfront/imap/uidindex"
)

// Writer is the minimal surface idlefanout needs from the connection's
// writer task (C8): an ordered, error-reporting byte sink. The caller
// supplies a function writing a pre-formatted untagged response line
// (trailing CRLF already included by the response serializer, C3).
type Writer func(line string) error

// Fanout drives one session's worth of idle notifications.
type Fanout struct {
	AccountID string
	Cache     *mboxcache.Cache
	Index     *uidindex.Store
	Write     Writer
	Logf      func(format string, v ...interface{})

	// Selected is the currently open mailbox, or nil if the session is
	// only Authenticated. Run reads this field once per event batch, so
	// callers must swap it only between Run invocations (idle is
	// suspended while a command is in flight).
	Selected *session.Selected
}

// Run consumes changes until either ctx is canceled (shutdown latch or
// client DONE) or the channel closes (stream end), emitting untagged
// responses in the order the events were observed.
func (f *Fanout) Run(ctx context.Context, sess backend.Session, changes <-chan backend.Changes) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-changes:
			if !ok {
				return nil
			}
			if err := f.handle(ctx, sess, ev); err != nil {
				f.logmsg("handle", err)
				return err
			}
		}
	}
}

func (f *Fanout) handle(ctx context.Context, sess backend.Session, ev backend.Changes) error {
	if _, ok := ev.Types["Mailbox"]; ok {
		if err := f.handleMailboxChange(ctx, sess); err != nil {
			return err
		}
	}
	if _, ok := ev.Types["Email"]; ok && f.Selected != nil {
		if err := f.handleEmailChange(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) handleMailboxChange(ctx context.Context, sess backend.Session) error {
	before, hadBefore := f.Cache.Snapshot(f.AccountID)
	beforeNames := map[string]bool{}
	if hadBefore {
		for _, name := range before.MailboxNames {
			beforeNames[name] = true
		}
	}

	if err := f.Cache.Changes(ctx, sess, f.AccountID); err != nil {
		return fmt.Errorf("idlefanout: refresh mailbox cache: %w", err)
	}
	after, ok := f.Cache.Snapshot(f.AccountID)
	if !ok {
		return nil
	}

	afterNames := map[string]bool{}
	for _, name := range after.MailboxNames {
		afterNames[name] = true
		if !beforeNames[name] {
			if err := f.Write(fmt.Sprintf("* LIST () \"/\" \"%s\"\r\n", name)); err != nil {
				return err
			}
		}
	}
	for name := range beforeNames {
		if !afterNames[name] {
			if err := f.Write(fmt.Sprintf("* LIST (\\NonExistent) \"/\" \"%s\"\r\n", name)); err != nil {
				return err
			}
		}
	}
	for name := range afterNames {
		if beforeNames[name] {
			id := after.NameToID[name]
			data := after.MailboxData[id]
			if data == nil {
				continue
			}
			line := fmt.Sprintf("* STATUS \"%s\" (MESSAGES %d UNSEEN %d UIDNEXT %d UIDVALIDITY %d)\r\n",
				name, derefInt64(data.TotalMessages), derefInt64(data.TotalUnseen),
				derefUint32(data.UIDNext), derefUint32(data.UIDValidity))
			if err := f.Write(line); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Fanout) handleEmailChange(ctx context.Context, sess backend.Session) error {
	expunged, err := f.Selected.Resync(ctx, sess, f.Index)
	if err != nil {
		return fmt.Errorf("idlefanout: resync selected mailbox: %w", err)
	}
	for _, e := range expunged {
		if err := f.Write(fmt.Sprintf("* %d EXPUNGE\r\n", e.SeqNum)); err != nil {
			return err
		}
	}
	snap := f.Selected.Snapshot()
	return f.Write(fmt.Sprintf("* %d EXISTS\r\n", snap.TotalMessages))
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefUint32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

func (f *Fanout) logmsg(what string, err error) {
	if f.Logf == nil {
		return
	}
	f.Logf("%s", logMsg{Where: "idlefanout", What: what, Err: err}.String())
}
