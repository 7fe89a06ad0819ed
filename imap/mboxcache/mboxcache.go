// Package mboxcache implements the per-session live view of a user's
// mailbox trees.
//
// Each account's tree is refreshed against an opaque backend state
// token: per-account change detection decides between a full retree and
// a cheap count reset, the parent-id mailbox graph is materialized
// depth-first, and two virtual entries (Shared Folders/<name>, All
// Mail) are layered on top of the backend's own tree.
package mboxcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"imapfront/imap/backend"
)

// MailboxSnapshot is a lazily-populated,
// per-mailbox summary of subscription state, role, and counts.
type MailboxSnapshot struct {
	HasChildren   bool
	IsSubscribed  bool
	Role          string
	TotalMessages *int64
	TotalUnseen   *int64
	TotalDeleted  *int64
	UIDValidity   *uint32
	UIDNext       *uint32
	Size          *int64
}

// AccountSnapshot is the mailbox tree of
// one account as last observed, keyed by the backend's opaque mailbox id.
type AccountSnapshot struct {
	AccountID    string
	StateToken   string
	Prefix       string // "" for the primary account, else "Shared Folders/<name>"
	MailboxNames []string                      // ordered by display name, INBOX first when present
	NameToID     map[string]backend.MailboxID  // display name -> backend id
	MailboxData  map[backend.MailboxID]*MailboxSnapshot
	ParentOf     map[backend.MailboxID]backend.MailboxID
}

// Options configures the virtual mailboxes mboxcache exposes alongside
// the backend's real tree.
type Options struct {
	NameShared string // default "Shared Folders"
	NameAll    string // default "All Mail"
}

func (o Options) nameShared() string {
	if o.NameShared == "" {
		return "Shared Folders"
	}
	return o.NameShared
}

func (o Options) nameAll() string {
	if o.NameAll == "" {
		return "All Mail"
	}
	return o.NameAll
}

// Cache is the per-session live view: one primary account plus zero or
// more shared accounts.
type Cache struct {
	opts Options
	logf func(format string, v ...interface{})

	mu       sync.Mutex
	accounts map[string]*AccountSnapshot // accountID -> snapshot
	order    []string                    // accountID display order, primary first
}

func New(opts Options, logf func(format string, v ...interface{})) *Cache {
	return &Cache{
		opts:     opts,
		logf:     logf,
		accounts: make(map[string]*AccountSnapshot),
	}
}

func (c *Cache) logmsg(what string, err error) {
	if c.logf == nil {
		return
	}
	c.logf("%s", logMsg{Where: "mboxcache", What: what, Err: err}.String())
}

// RefreshSession reconciles the set of accounts visible to this session
// (primary plus any shared accounts) against the backend: add snapshots for newly shared accounts, drop ones no
// longer shared.
func (c *Cache) RefreshSession(ctx context.Context, sess backend.Session, sharedAccountIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := map[string]bool{sess.AccountID(): true}
	for _, id := range sharedAccountIDs {
		wanted[id] = true
	}
	for id := range c.accounts {
		if !wanted[id] {
			delete(c.accounts, id)
		}
	}
	if _, ok := c.accounts[sess.AccountID()]; !ok {
		if err := c.refreshAccountLocked(ctx, sess, sess.AccountID(), ""); err != nil {
			return err
		}
	}
	for _, id := range sharedAccountIDs {
		if _, ok := c.accounts[id]; !ok {
			prefix := c.opts.nameShared() + "/" + id
			if err := c.refreshAccountLocked(ctx, sess, id, prefix); err != nil {
				return err
			}
		}
	}
	c.rebuildOrderLocked()
	return nil
}

func (c *Cache) rebuildOrderLocked() {
	ids := make([]string, 0, len(c.accounts))
	for id, snap := range c.accounts {
		if snap.Prefix == "" {
			ids = append([]string{id}, ids...)
		} else {
			ids = append(ids, id)
		}
	}
	c.order = ids
}

// Changes asks the backend for mailbox changes since the cached token;
// a full retree only if any mailbox was created/destroyed or updated with
// a non-count-only property, otherwise just reset cached counts.
func (c *Cache) Changes(ctx context.Context, sess backend.Session, accountID string) error {
	c.mu.Lock()
	snap := c.accounts[accountID]
	c.mu.Unlock()
	if snap == nil {
		return fmt.Errorf("mboxcache: unknown account %q", accountID)
	}

	changes, err := sess.Mailbox().Changes(ctx, snap.StateToken)
	if err != nil {
		return fmt.Errorf("mboxcache: changes_mailbox(%q): %w", accountID, err)
	}
	if len(changes.Created) > 0 || len(changes.Destroyed) > 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.refreshAccountLocked(ctx, sess, accountID, snap.Prefix)
	}
	if len(changes.Updated) > 0 {
		// Count-only update: cheapest correct response is to refetch,
		// since the backend interface doesn't distinguish "renamed"
		// from "unread count changed" at this layer.
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.refreshAccountLocked(ctx, sess, accountID, snap.Prefix)
	}
	return nil
}

func (c *Cache) refreshAccountLocked(ctx context.Context, sess backend.Session, accountID, prefix string) error {
	ids, err := sess.Mailbox().Query(ctx)
	if err != nil {
		return fmt.Errorf("mboxcache: mailbox query: %w", err)
	}
	boxes, err := sess.Mailbox().Get(ctx, ids)
	if err != nil {
		return fmt.Errorf("mboxcache: mailbox get: %w", err)
	}

	byID := make(map[backend.MailboxID]backend.Mailbox, len(boxes))
	parentOf := make(map[backend.MailboxID]backend.MailboxID, len(boxes))
	childrenOf := make(map[backend.MailboxID][]backend.MailboxID)
	var roots []backend.MailboxID
	for _, m := range boxes {
		byID[m.ID] = m
		parentOf[m.ID] = m.ParentID
		childrenOf[m.ParentID] = append(childrenOf[m.ParentID], m.ID)
		if m.ParentID == "" {
			roots = append(roots, m.ID)
		}
	}
	for _, kids := range childrenOf {
		sort.Slice(kids, func(i, j int) bool {
			return byID[kids[i]].SortOrder < byID[kids[j]].SortOrder ||
				(byID[kids[i]].SortOrder == byID[kids[j]].SortOrder && byID[kids[i]].Name < byID[kids[j]].Name)
		})
	}
	sort.Slice(roots, func(i, j int) bool { return byID[roots[i]].Name < byID[roots[j]].Name })

	nameToID := make(map[string]backend.MailboxID, len(boxes))
	mailboxData := make(map[backend.MailboxID]*MailboxSnapshot, len(boxes))
	var names []string

	// Depth-first walk, arena-style (an explicit stack over the
	// parent-id map rather than recursion through owned pointers, so
	// cyclic/malformed parent data from the backend can't blow the
	// call stack).
	type frame struct {
		id   backend.MailboxID
		path string
	}
	var stack []frame
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{roots[i], ""})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m := byID[f.id]

		name := m.Name
		if f.path == "" && strings.EqualFold(m.Role, "inbox") {
			name = "INBOX"
		} else if f.path != "" {
			name = f.path + "/" + m.Name
		}
		if prefix != "" {
			name = prefix + "/" + name
		}

		nameToID[name] = m.ID
		names = append(names, name)
		mailboxData[m.ID] = &MailboxSnapshot{
			HasChildren:  len(childrenOf[m.ID]) > 0,
			IsSubscribed: m.IsSubscribed,
			Role:         m.Role,
		}

		kids := childrenOf[m.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			childPath := m.Name
			if f.path == "" && strings.EqualFold(m.Role, "inbox") {
				childPath = "INBOX"
			} else if f.path != "" {
				childPath = f.path + "/" + m.Name
			}
			stack = append(stack, frame{kids[i], childPath})
		}
	}

	allMailName := c.opts.nameAll()
	if prefix != "" {
		allMailName = prefix + "/" + allMailName
	}
	nameToID[allMailName] = "" // "" designates the virtual All Mail folder, per MailboxId semantics
	names = append(names, allMailName)
	mailboxData[""] = &MailboxSnapshot{Role: "all"}

	sort.Strings(names)

	c.accounts[accountID] = &AccountSnapshot{
		AccountID:    accountID,
		StateToken:   stateTokenOf(ids, boxes),
		Prefix:       prefix,
		MailboxNames: names,
		NameToID:     nameToID,
		MailboxData:  mailboxData,
		ParentOf:     parentOf,
	}
	return nil
}

// stateTokenOf derives a comparison token from the Get result until the
// backend.Session surfaces changes_mailbox's own NewState field through a
// dedicated call; Mailbox().Changes is still the source of truth for
// detecting drift, this is just the initial baseline recorded at refresh
// time.
func stateTokenOf(ids []backend.MailboxID, boxes []backend.Mailbox) string {
	return fmt.Sprintf("n%d", len(boxes))
}

// Snapshot returns the last-observed AccountSnapshot for accountID.
func (c *Cache) Snapshot(accountID string) (*AccountSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.accounts[accountID]
	return snap, ok
}

// Accounts returns every cached account snapshot, primary first.
func (c *Cache) Accounts() []*AccountSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AccountSnapshot, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.accounts[id])
	}
	return out
}

// SetSubscribed updates the cached IsSubscribed bit for a mailbox
// in-place, so a SUBSCRIBE/UNSUBSCRIBE is visible to this session's next
// LIST/LSUB/STATUS without waiting on a Changes refresh.
func (c *Cache) SetSubscribed(accountID string, id backend.MailboxID, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.accounts[accountID]
	if snap == nil {
		return
	}
	if data := snap.MailboxData[id]; data != nil {
		data.IsSubscribed = v
	}
}

// ResetCounts drops the lazily-populated count fields for a mailbox so
// the next STATUS/LIST re-derives them from the backend, without forcing
// a full retree.
func (c *Cache) ResetCounts(accountID string, id backend.MailboxID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.accounts[accountID]
	if snap == nil {
		return
	}
	if data := snap.MailboxData[id]; data != nil {
		data.TotalMessages = nil
		data.TotalUnseen = nil
		data.TotalDeleted = nil
		data.Size = nil
	}
}
