package jmapbridge

import (
	"fmt"

	"imapfront/email"
	"imapfront/imap"
	"imapfront/imap/backend"
)

// bridgeMessage implements imap.Message over an *email.Msg already fully
// materialized by msgcleaver.Cleave — unlike imap/imaptest's
// memoryMessage, which emulates content-less loading to exercise
// LoadPart, every Part.Content here is already populated by Cleave, so
// LoadPart has nothing left to do.
type bridgeMessage struct {
	summary   imap.MessageSummary
	emailMsg  *email.Msg
	mailbox   *bridgeMailbox
	backendID backend.EmailID
}

func (msg *bridgeMessage) Summary() imap.MessageSummary { return msg.summary }

func (msg *bridgeMessage) Msg() *email.Msg { return msg.emailMsg }

func (msg *bridgeMessage) LoadPart(partNum int) error { return nil }

func (msg *bridgeMessage) SetSeen() error {
	if hasImapFlag(msg.emailMsg.Flags, `\Seen`) {
		return fmt.Errorf("message %d already \\Seen", msg.summary.SeqNum)
	}

	ctx, cancel := callCtx()
	defer cancel()

	emails, err := msg.mailbox.sess.Email().Get(ctx, []backend.EmailID{msg.backendID}, []string{"keywords"})
	if err != nil || len(emails) == 0 {
		return fmt.Errorf("jmapbridge: set seen get: %w", err)
	}
	keywords := make(map[string]bool, len(emails[0].Keywords)+1)
	for kw, set := range emails[0].Keywords {
		if set {
			keywords[kw] = true
		}
	}
	keywords["$seen"] = true

	resp, err := msg.mailbox.sess.Email().Set(ctx, backend.EmailSetRequest{
		Update: map[backend.EmailID]backend.EmailPatch{msg.backendID: {Keywords: keywords}},
	})
	if err != nil {
		return fmt.Errorf("jmapbridge: set seen: %w", err)
	}
	if setErr, ok := resp.NotUpdated[string(msg.backendID)]; ok {
		return fmt.Errorf("jmapbridge: set seen: %s: %s", setErr.Type, setErr.Description)
	}

	msg.emailMsg.Flags = append(msg.emailMsg.Flags, `\Seen`)
	return nil
}

func hasImapFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
