// Package jmapbridge adapts the multi-account backend.Client contract
// (imap/backend) onto imapserver.DataStore, imap.Session, imap.Mailbox and
// imap.Message — the single-account, int64-keyed interfaces imap/imap.go
// and imap/imapserver still dispatch through.
//
// It mirrors imap/imaptest/memory.go's method shapes and per-message
// Fetch/LoadPart contract, but is backed by a real backend.Session plus
// imap/mboxcache's mailbox tree and imap/session's selected-mailbox
// projection instead of in-memory slices.
package jmapbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crawshaw.io/iox"

	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/imapserver"
	"imapfront/imap/mboxcache"
	"imapfront/imap/protoerr"
	"imapfront/imap/uidindex"
)

// DataStore is the imapserver.DataStore implementation: it authenticates
// through Client and hands back a bridgeSession per login, each with its
// own mboxcache.Cache, so each connection sees its own mailbox tree
// view.
type DataStore struct {
	Client       backend.Client
	URL          string
	Filer        *iox.Filer
	Index        *uidindex.Store
	CacheOptions mboxcache.Options
	Logf         func(format string, v ...interface{})

	mu            sync.Mutex
	notifiers     []imap.Notifier
	accountIDs    map[string]int64
	nextUserID    int64
	mailboxIDs    map[mboxKey]int64
	nextMailboxID int64
}

type mboxKey struct {
	account   string
	backendID backend.MailboxID
}

// New returns a DataStore. idx and filer are shared across every session;
// a fresh mboxcache.Cache is created per login.
func New(client backend.Client, url string, filer *iox.Filer, idx *uidindex.Store, cacheOpts mboxcache.Options, logf func(format string, v ...interface{})) *DataStore {
	return &DataStore{
		Client:       client,
		URL:          url,
		Filer:        filer,
		Index:        idx,
		CacheOptions: cacheOpts,
		Logf:         logf,
		accountIDs:   make(map[string]int64),
		mailboxIDs:   make(map[mboxKey]int64),
	}
}

func (d *DataStore) logf(format string, v ...interface{}) {
	if d.Logf != nil {
		d.Logf(format, v...)
	}
}

// Login authenticates against Client and materializes the session's
// initial mailbox tree.
func (d *DataStore) Login(c *imapserver.Conn, username, password []byte) (int64, imap.Session, error) {
	ctx := context.Background()
	if c != nil && c.Context != nil {
		ctx = c.Context
	}

	sess, err := d.Client.Connect(ctx, d.URL, backend.Credentials{
		Username: string(username),
		Password: string(password),
	})
	if err != nil {
		if backendErr, ok := asBackendSentinel(err); ok {
			switch backendErr {
			case protoerr.ErrBackendForbidden, protoerr.ErrBackendNotFound:
				return 0, nil, imapserver.ErrBadCredentials
			}
		}
		return 0, nil, fmt.Errorf("jmapbridge: connect: %w", err)
	}

	cache := mboxcache.New(d.CacheOptions, d.Logf)
	if err := cache.RefreshSession(ctx, sess, nil); err != nil {
		sess.Close()
		return 0, nil, fmt.Errorf("jmapbridge: refresh mailbox tree: %w", err)
	}

	userID := d.internUserID(sess.AccountID())
	bs := &bridgeSession{
		ds:        d,
		sess:      sess,
		accountID: sess.AccountID(),
		cache:     cache,
	}
	return userID, bs, nil
}

// callCtx bounds the backend calls imap.Session/imap.Mailbox methods make:
// those interfaces predate context threading, so every bridge method that
// talks to backend.Session gets a fresh bounded context instead of a
// caller-supplied one.
func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// RegisterNotifier records n. bridgeSession and bridgeMailbox drive IDLE
// themselves via imap.Idler (imap/idlefanout.Fanout over
// backend.Session.EventSource) rather than through push to n; n is kept
// for imapserver's APNS path, which still notifies through the
// Notifier mechanism.
func (d *DataStore) RegisterNotifier(n imap.Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

func (d *DataStore) internUserID(accountID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.accountIDs[accountID]; ok {
		return id
	}
	d.nextUserID++
	d.accountIDs[accountID] = d.nextUserID
	return d.nextUserID
}

func (d *DataStore) internMailboxID(accountID string, backendID backend.MailboxID) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := mboxKey{accountID, backendID}
	if id, ok := d.mailboxIDs[key]; ok {
		return id
	}
	d.nextMailboxID++
	d.mailboxIDs[key] = d.nextMailboxID
	return d.nextMailboxID
}

// asBackendSentinel reports whether err is (or wraps) one of the
// protoerr.ErrBackend* sentinels, returning the matched sentinel itself.
func asBackendSentinel(err error) (error, bool) {
	for _, sentinel := range []error{
		protoerr.ErrBackendUnavailable,
		protoerr.ErrBackendInvalidCall,
		protoerr.ErrBackendForbidden,
		protoerr.ErrBackendNotFound,
		protoerr.ErrBackendOverQuota,
		protoerr.ErrBackendRateLimited,
		protoerr.ErrBackendAlreadyExist,
		protoerr.ErrBackendBlobNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel, true
		}
	}
	return nil, false
}

// setErrFromType maps a backend.SetError's JMAP-style Type string to the
// protoerr.Error imapserver's respondErr surfaces as the tagged response's
// bracketed code; backend.SetError's doc comment lists the Type set.
func setErrFromType(setErr backend.SetError) *protoerr.Error {
	switch setErr.Type {
	case "alreadyExists":
		return protoerr.AlreadyExistsErr(setErr.Description)
	case "notFound":
		return protoerr.NonExistentErr(setErr.Description)
	case "forbidden":
		return protoerr.NotPermittedErr(setErr.Description)
	case "overQuota":
		return protoerr.OverQuotaErr(setErr.Description)
	case "blobNotFound":
		return protoerr.NonExistentErr(setErr.Description)
	case "invalidProperties":
		return protoerr.CannotErr(setErr.Description)
	default:
		return protoerr.ContactAdminErr(fmt.Errorf("%s: %s", setErr.Type, setErr.Description))
	}
}
