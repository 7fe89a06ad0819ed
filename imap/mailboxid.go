package imap

// MailboxID identifies one mailbox within one account. A
// backend.MailboxID is already scoped to whichever account's Session
// produced it; pairing it with the account explicitly lets shared
// accounts live alongside the primary one in a single session.
//
// MailboxID == "" designates the virtual "All Mail" folder for the
// account.
type MailboxID struct {
	AccountID string
	MailboxID string
}

func (id MailboxID) IsAllMail() bool { return id.MailboxID == "" }
