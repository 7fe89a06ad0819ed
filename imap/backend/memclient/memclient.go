// Package memclient is an in-memory backend.Client test double, built
// the way imapdb.go wires a concrete backend together (a Login/Connect
// entry point handing back a session scoped to one account's in-memory
// maps for mailboxes, emails and blobs) but without any SQL: state lives
// in plain Go maps guarded by a mutex, which is enough to drive the
// frontend's own tests without a real JMAP server.
package memclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strconv"
	"sync"
	"time"

	"imapfront/imap/backend"
)

// Account seeds one account's initial mailbox tree and message set.
type Account struct {
	ID       string
	Password string
	Mailboxes map[backend.MailboxID]backend.Mailbox
	Emails    map[backend.EmailID]storedEmail
}

type storedEmail struct {
	email backend.Email
	raw   []byte
}

// Client is the in-memory backend.Client implementation.
type Client struct {
	mu       sync.Mutex
	accounts map[string]*account
}

type account struct {
	id       string
	password string
	mailboxes map[backend.MailboxID]backend.Mailbox
	emails    map[backend.EmailID]storedEmail
	mailboxState int
	emailState   int
	nextID       int
	subscribers  []chan backend.Changes
}

// New returns a Client with no accounts; use Seed to add one.
func New() *Client {
	return &Client{accounts: make(map[string]*account)}
}

// Seed installs an account the way a test's setup step would provision
// fixture data directly into the store, bypassing JMAP Set calls.
func (c *Client) Seed(acc Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &account{
		id:        acc.ID,
		password:  acc.Password,
		mailboxes: make(map[backend.MailboxID]backend.Mailbox, len(acc.Mailboxes)),
		emails:    make(map[backend.EmailID]storedEmail, len(acc.Emails)),
	}
	for id, m := range acc.Mailboxes {
		a.mailboxes[id] = m
	}
	for id, e := range acc.Emails {
		a.emails[id] = e
	}
	c.accounts[acc.ID] = a
}

// Connect implements backend.Client.
func (c *Client) Connect(ctx context.Context, url string, creds backend.Credentials) (backend.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[creds.Username]
	if !ok || a.password != creds.Password {
		return nil, errors.New("memclient: bad credentials")
	}
	return &session{client: c, acc: a}, nil
}

type session struct {
	client *Client
	acc    *account
}

func (s *session) AccountID() string { return s.acc.id }

func (s *session) CoreCapabilities() backend.CoreCapabilities {
	return backend.CoreCapabilities{MaxObjectsInGet: 500, MaxObjectsInSet: 500}
}

func (s *session) Mailbox() backend.MailboxService { return mailboxService{s} }
func (s *session) Email() backend.EmailService      { return emailService{s} }
func (s *session) Blob() backend.BlobService         { return blobService{s} }

func (s *session) EventSource(ctx context.Context, types []string, refresh, keepalive, pingInterval time.Duration) (<-chan backend.Changes, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	ch := make(chan backend.Changes, 16)
	s.acc.subscribers = append(s.acc.subscribers, ch)
	go func() {
		<-ctx.Done()
		s.client.mu.Lock()
		defer s.client.mu.Unlock()
		for i, sub := range s.acc.subscribers {
			if sub == ch {
				s.acc.subscribers = append(s.acc.subscribers[:i], s.acc.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *session) Close() error { return nil }

// notifyLocked broadcasts a change batch to every EventSource subscriber;
// callers must hold the client's mutex.
func (a *account) notifyLocked(typ, state string) {
	for _, ch := range a.subscribers {
		select {
		case ch <- backend.Changes{AccountID: a.id, Types: map[string]string{typ: state}}:
		default:
		}
	}
}

type mailboxService struct{ s *session }

func (m mailboxService) Query(ctx context.Context) ([]backend.MailboxID, error) {
	m.s.client.mu.Lock()
	defer m.s.client.mu.Unlock()
	ids := make([]backend.MailboxID, 0, len(m.s.acc.mailboxes))
	for id := range m.s.acc.mailboxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m mailboxService) Get(ctx context.Context, ids []backend.MailboxID) ([]backend.Mailbox, error) {
	m.s.client.mu.Lock()
	defer m.s.client.mu.Unlock()
	out := make([]backend.Mailbox, 0, len(ids))
	for _, id := range ids {
		if mb, ok := m.s.acc.mailboxes[id]; ok {
			out = append(out, mb)
		}
	}
	return out, nil
}

func (m mailboxService) Changes(ctx context.Context, sinceState string) (backend.MailboxChanges, error) {
	m.s.client.mu.Lock()
	defer m.s.client.mu.Unlock()
	state := strconv.Itoa(m.s.acc.mailboxState)
	if sinceState == state {
		return backend.MailboxChanges{NewState: state}, nil
	}
	// The fixture doesn't track fine-grained diffs; a full retree is
	// always a correct (if not minimal) answer to "what changed".
	var ids []backend.MailboxID
	for id := range m.s.acc.mailboxes {
		ids = append(ids, id)
	}
	return backend.MailboxChanges{Updated: ids, NewState: state}, nil
}

func (m mailboxService) Set(ctx context.Context, req backend.MailboxSetRequest) (backend.MailboxSetResponse, error) {
	m.s.client.mu.Lock()
	defer m.s.client.mu.Unlock()
	resp := backend.MailboxSetResponse{
		Created: make(map[string]backend.MailboxID),
	}
	for cid, mb := range req.Create {
		m.s.acc.nextID++
		id := backend.MailboxID(fmt.Sprintf("mb%d", m.s.acc.nextID))
		mb.ID = id
		m.s.acc.mailboxes[id] = mb
		resp.Created[cid] = id
	}
	for id, patch := range req.Update {
		mb, ok := m.s.acc.mailboxes[id]
		if !ok {
			continue
		}
		if patch.Name != nil {
			mb.Name = *patch.Name
		}
		if patch.ParentID != nil {
			mb.ParentID = *patch.ParentID
		}
		if patch.IsSubscribed != nil {
			mb.IsSubscribed = *patch.IsSubscribed
		}
		m.s.acc.mailboxes[id] = mb
		resp.Updated = append(resp.Updated, id)
	}
	for _, id := range req.Destroy {
		delete(m.s.acc.mailboxes, id)
		resp.Destroyed = append(resp.Destroyed, id)
	}
	m.s.acc.mailboxState++
	m.s.acc.notifyLocked("Mailbox", strconv.Itoa(m.s.acc.mailboxState))
	return resp, nil
}

type emailService struct{ s *session }

func (e emailService) Query(ctx context.Context, filter backend.Filter, sort_ []backend.SortCriterion, position, limit int) (backend.EmailQueryResult, error) {
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()

	var ids []backend.EmailID
	for id, se := range e.s.acc.emails {
		if filter.InMailbox != "" && !se.email.MailboxIDs[filter.InMailbox] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return e.s.acc.emails[ids[i]].email.ReceivedAt.Before(e.s.acc.emails[ids[j]].email.ReceivedAt)
	})

	total := len(ids)
	if position > total {
		position = total
	}
	end := position + limit
	if limit <= 0 || end > total {
		end = total
	}
	return backend.EmailQueryResult{
		IDs:        ids[position:end],
		Total:      total,
		StateToken: strconv.Itoa(e.s.acc.emailState),
	}, nil
}

func (e emailService) Changes(ctx context.Context, sinceState string) (backend.EmailChanges, error) {
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()
	state := strconv.Itoa(e.s.acc.emailState)
	return backend.EmailChanges{NewState: state}, nil
}

func (e emailService) Get(ctx context.Context, ids []backend.EmailID, properties []string) ([]backend.Email, error) {
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()
	out := make([]backend.Email, 0, len(ids))
	for _, id := range ids {
		if se, ok := e.s.acc.emails[id]; ok {
			out = append(out, se.email)
		}
	}
	return out, nil
}

func (e emailService) Set(ctx context.Context, req backend.EmailSetRequest) (backend.EmailSetResponse, error) {
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()
	resp := backend.EmailSetResponse{Created: make(map[string]backend.EmailID)}
	for cid, imp := range req.Create {
		e.s.acc.nextID++
		id := backend.EmailID(fmt.Sprintf("em%d", e.s.acc.nextID))
		raw, _ := ioutil.ReadAll(imp.Blob)
		e.s.acc.emails[id] = storedEmail{
			email: backend.Email{
				ID:         id,
				BlobID:     backend.BlobID(id),
				MailboxIDs: imp.MailboxIDs,
				Keywords:   imp.Keywords,
				Size:       int64(len(raw)),
				ReceivedAt: imp.ReceivedAt,
			},
			raw: raw,
		}
		resp.Created[cid] = id
	}
	for id, patch := range req.Update {
		se, ok := e.s.acc.emails[id]
		if !ok {
			continue
		}
		if patch.MailboxIDs != nil {
			se.email.MailboxIDs = patch.MailboxIDs
		}
		if patch.Keywords != nil {
			se.email.Keywords = patch.Keywords
		}
		e.s.acc.emails[id] = se
		resp.Updated = append(resp.Updated, id)
	}
	for _, id := range req.Destroy {
		delete(e.s.acc.emails, id)
		resp.Destroyed = append(resp.Destroyed, id)
	}
	e.s.acc.emailState++
	e.s.acc.notifyLocked("Email", strconv.Itoa(e.s.acc.emailState))
	return resp, nil
}

func (e emailService) Copy(ctx context.Context, fromAccount, toAccount string, creates map[string]backend.EmailImport, onSuccessDestroyOriginal bool) (backend.EmailCopyResponse, error) {
	e.s.client.mu.Lock()
	toAcc, ok := e.s.client.accounts[toAccount]
	e.s.client.mu.Unlock()
	if !ok {
		return backend.EmailCopyResponse{}, fmt.Errorf("memclient: unknown account %q", toAccount)
	}
	resp := backend.EmailCopyResponse{Created: make(map[string]backend.EmailID)}
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()
	for cid, imp := range creates {
		toAcc.nextID++
		id := backend.EmailID(fmt.Sprintf("em%d", toAcc.nextID))
		raw, _ := ioutil.ReadAll(imp.Blob)
		toAcc.emails[id] = storedEmail{
			email: backend.Email{ID: id, BlobID: backend.BlobID(id), MailboxIDs: imp.MailboxIDs, Keywords: imp.Keywords, Size: int64(len(raw)), ReceivedAt: imp.ReceivedAt},
			raw:   raw,
		}
		resp.Created[cid] = id
	}
	toAcc.emailState++
	toAcc.notifyLocked("Email", strconv.Itoa(toAcc.emailState))
	return resp, nil
}

func (e emailService) Import(ctx context.Context, accountID string, raw io.Reader, mailboxIDs map[backend.MailboxID]bool, keywords map[string]bool, receivedAt time.Time) (backend.Email, error) {
	e.s.client.mu.Lock()
	defer e.s.client.mu.Unlock()
	acc, ok := e.s.client.accounts[accountID]
	if !ok {
		return backend.Email{}, fmt.Errorf("memclient: unknown account %q", accountID)
	}
	acc.nextID++
	id := backend.EmailID(fmt.Sprintf("em%d", acc.nextID))
	data, _ := ioutil.ReadAll(raw)
	em := backend.Email{ID: id, BlobID: backend.BlobID(id), MailboxIDs: mailboxIDs, Keywords: keywords, Size: int64(len(data)), ReceivedAt: receivedAt}
	acc.emails[id] = storedEmail{email: em, raw: data}
	acc.emailState++
	acc.notifyLocked("Email", strconv.Itoa(acc.emailState))
	return em, nil
}

type blobService struct{ s *session }

func (b blobService) Download(ctx context.Context, id backend.BlobID) (io.ReadCloser, error) {
	b.s.client.mu.Lock()
	defer b.s.client.mu.Unlock()
	for _, se := range b.s.acc.emails {
		if string(se.email.BlobID) == string(id) {
			return ioutil.NopCloser(bytes.NewReader(se.raw)), nil
		}
	}
	return nil, fmt.Errorf("memclient: blob %q not found", id)
}
