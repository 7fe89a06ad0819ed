// Package backend declares the JMAP-shaped mail store contract the IMAP
// frontend runs against. Any collaborator exposing equivalent semantics —
// a real JMAP server over HTTP, or a SQL-backed implementation like
// imapdb — satisfies Client.
package backend

import (
	"context"
	"io"
	"time"
)

type MailboxID string
type EmailID string
type BlobID string

// Credentials authenticates a Connect call. Password is compared against
// the store's own credential hash; this package takes it as already
// verified cleartext, the way a JMAP "basic" authentication scheme would.
type Credentials struct {
	Username string
	Password string
}

// Client authenticates against a mail store and opens a Session scoped to
// one account.
type Client interface {
	Connect(ctx context.Context, url string, creds Credentials) (Session, error)
}

// CoreCapabilities describes chunking limits the session must respect
// when batching get/set calls, JMAP RFC 8620 Section 2.
type CoreCapabilities struct {
	MaxObjectsInGet int
	MaxObjectsInSet int
}

// Session is everything the IMAP frontend needs from one authenticated
// account: the mailbox tree, the email store, blob retrieval, and a
// change event stream.
type Session interface {
	AccountID() string
	Mailbox() MailboxService
	Email() EmailService
	Blob() BlobService
	CoreCapabilities() CoreCapabilities

	// EventSource subscribes to backend-side changes (new mail, flag
	// updates, mailbox renames) so the frontend can drive IDLE and
	// unsolicited FETCH/EXPUNGE/EXISTS responses. refresh bounds how
	// long the backend may wait to batch events together; keepalive
	// and pingInterval match JMAP's event-source ping semantics.
	EventSource(ctx context.Context, types []string, refresh, keepalive, pingInterval time.Duration) (<-chan Changes, error)

	Close() error
}

// Changes is one batch of change notifications for an account, the shape
// JMAP's event-source push delivers.
type Changes struct {
	AccountID string
	Types     map[string]string // type name ("Email", "Mailbox") -> new state token
}

type Mailbox struct {
	ID            MailboxID
	Name          string
	ParentID      MailboxID // "" for a top-level mailbox
	Role          string    // "inbox", "archive", "drafts", "sent", "junk", "trash", ""
	SortOrder     int
	TotalEmails   int64
	UnreadEmails  int64
	IsSubscribed  bool
	MyRights      MailboxRights
}

type MailboxRights struct {
	MayReadItems, MayAddItems, MayRemoveItems, MaySetSeen, MaySetKeywords,
	MayCreateChild, MayRename, MayDelete, MaySubmit bool
}

type MailboxSetRequest struct {
	Create  map[string]Mailbox // creation-id -> proposed mailbox
	Update  map[MailboxID]MailboxPatch
	Destroy []MailboxID
}

type MailboxPatch struct {
	Name         *string
	ParentID     *MailboxID
	IsSubscribed *bool
}

type MailboxSetResponse struct {
	Created   map[string]MailboxID // creation-id -> assigned id
	Updated   []MailboxID
	Destroyed []MailboxID
	NotCreated, NotUpdated, NotDestroyed map[string]SetError
}

type MailboxChanges struct {
	Created, Updated, Destroyed []MailboxID
	NewState                    string
	HasMoreChanges              bool
}

type MailboxService interface {
	Query(ctx context.Context) ([]MailboxID, error)
	Get(ctx context.Context, ids []MailboxID) ([]Mailbox, error)
	Changes(ctx context.Context, sinceState string) (MailboxChanges, error)
	Set(ctx context.Context, req MailboxSetRequest) (MailboxSetResponse, error)
}

// Filter is a JMAP Email/query filter. Only the fields the IMAP SEARCH
// translation layer (imap/imapparser.SearchOp) needs are represented;
// FilterOperator composes them the way JMAP's FilterOperator does.
type Filter struct {
	InMailbox       MailboxID
	Before, After   time.Time
	MinSize, MaxSize int64
	HasKeyword, NotKeyword string
	Text, Subject, From, To, Cc, Bcc, Body string
	Header          [2]string // [name, value]
	Operator        string    // "AND", "OR", "NOT", "" for a leaf
	Conditions      []Filter
}

type SortCriterion struct {
	Property   string // "receivedAt", "size", "from", "subject", ...
	IsAscending bool
}

type EmailQueryResult struct {
	IDs        []EmailID
	Total      int
	StateToken string
}

type EmailChanges struct {
	Created, Updated, Destroyed []EmailID
	NewState                    string
	HasMoreChanges              bool
}

// Email mirrors the JMAP Email object properties spec §6 names:
// id, keywords, size, preview, received-at, sent-at, headers,
// bodyStructure, blobId.
type Email struct {
	ID             EmailID
	MailboxIDs     map[MailboxID]bool
	Keywords       map[string]bool
	Size           int64
	Preview        string
	ReceivedAt     time.Time
	SentAt         time.Time
	Headers        []EmailHeader
	BodyStructure  EmailBodyPart
	BlobID         BlobID
}

type EmailHeader struct {
	Name, Value string
}

// EmailBodyPart mirrors JMAP's EmailBodyPart: a MIME tree node with
// enough structure to answer IMAP's BODYSTRUCTURE and BODY[section].
type EmailBodyPart struct {
	PartID      string
	Type        string // MIME type, e.g. "text/plain"
	Charset     string
	Disposition string
	Name        string
	CID         string
	Size        int64
	Headers     []EmailHeader
	SubParts    []EmailBodyPart
}

type EmailSetRequest struct {
	Create  map[string]EmailImport
	Update  map[EmailID]EmailPatch
	Destroy []EmailID
}

type EmailImport struct {
	MailboxIDs map[MailboxID]bool
	Keywords   map[string]bool
	ReceivedAt time.Time
	Blob       io.Reader
}

type EmailPatch struct {
	MailboxIDs map[MailboxID]bool // nil means unchanged
	Keywords   map[string]bool    // nil means unchanged
}

type EmailSetResponse struct {
	Created   map[string]EmailID
	Updated   []EmailID
	Destroyed []EmailID
	NotCreated, NotUpdated, NotDestroyed map[string]SetError
}

type EmailCopyResponse struct {
	Created   map[string]EmailID
	NotCreated map[string]SetError
}

// SetError mirrors JMAP's SetError shape: a type string ("alreadyExists",
// "blobNotFound", "forbidden", "notFound", "invalidProperties", ...) with
// a human description. protoerr.TranslateBackendError keys off Type.
type SetError struct {
	Type        string
	Description string
}

type EmailService interface {
	Query(ctx context.Context, filter Filter, sort []SortCriterion, position, limit int) (EmailQueryResult, error)
	Changes(ctx context.Context, sinceState string) (EmailChanges, error)
	Get(ctx context.Context, ids []EmailID, properties []string) ([]Email, error)
	Set(ctx context.Context, req EmailSetRequest) (EmailSetResponse, error)
	Copy(ctx context.Context, fromAccount, toAccount string, creates map[string]EmailImport, onSuccessDestroyOriginal bool) (EmailCopyResponse, error)
	Import(ctx context.Context, account string, raw io.Reader, mailboxIDs map[MailboxID]bool, keywords map[string]bool, receivedAt time.Time) (Email, error)
}

type BlobService interface {
	Download(ctx context.Context, id BlobID) (io.ReadCloser, error)
}
