package jmapbridge

import (
	"context"
	"fmt"
	"sort"

	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/idlefanout"
	"imapfront/imap/imapparser"
	"imapfront/imap/mboxcache"
	"imapfront/imap/session"
)

// bridgeSession implements imap.Session against one logged-in
// backend.Session plus the mboxcache.Cache materialized at Login, the
// same per-connection scope imap/imaptest's memorySession holds over a
// *memoryUser.
type bridgeSession struct {
	ds        *DataStore
	sess      backend.Session
	accountID string
	cache     *mboxcache.Cache
}

func (s *bridgeSession) Mailboxes() ([]imap.MailboxSummary, error) {
	ctx, cancel := callCtx()
	defer cancel()

	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		if err := s.cache.RefreshSession(ctx, s.sess, nil); err != nil {
			return nil, fmt.Errorf("jmapbridge: mailboxes refresh: %w", err)
		}
		snap, _ = s.cache.Snapshot(s.accountID)
	}

	var summaries []imap.MailboxSummary
	for _, name := range snap.MailboxNames {
		id := snap.NameToID[name]
		data := snap.MailboxData[id]
		summaries = append(summaries, imap.MailboxSummary{
			Name:         name,
			Attrs:        attrsForRole(data),
			IsSubscribed: data != nil && data.IsSubscribed,
		})
	}
	// INBOX sorts first regardless of its place in the backend's own
	// tree, the same override memorySession.Mailboxes applies.
	sort.Slice(summaries, func(i, j int) bool {
		n1, n2 := summaries[i].Name, summaries[j].Name
		if n1 == "INBOX" {
			n1 = ""
		}
		if n2 == "INBOX" {
			n2 = ""
		}
		return n1 < n2
	})
	return summaries, nil
}

func attrsForRole(data *mboxcache.MailboxSnapshot) imap.ListAttrFlag {
	var attrs imap.ListAttrFlag
	if data == nil {
		return attrs
	}
	switch data.Role {
	case "archive":
		attrs |= imap.AttrArchive
	case "drafts":
		attrs |= imap.AttrDrafts
	case "junk":
		attrs |= imap.AttrJunk
	case "sent":
		attrs |= imap.AttrSent
	case "trash":
		attrs |= imap.AttrTrash
	case "all":
		attrs |= imap.AttrAll | imap.AttrNoinferiors
	}
	return attrs
}

func (s *bridgeSession) Mailbox(name []byte) (imap.Mailbox, error) {
	ctx, cancel := callCtx()
	defer cancel()

	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		return nil, fmt.Errorf("jmapbridge: mailbox tree not loaded for %s", s.accountID)
	}
	backendID, ok := snap.NameToID[string(name)]
	if !ok {
		return nil, fmt.Errorf("jmapbridge: unknown mailbox %q", name)
	}

	sel := &session.Selected{
		ID:        imap.MailboxID{AccountID: s.accountID, MailboxID: string(backendID)},
		BackendID: backendID,
		IsSelect:  true,
	}
	if err := sel.Synchronize(ctx, s.sess, s.ds.Index); err != nil {
		return nil, fmt.Errorf("jmapbridge: synchronize %q: %w", name, err)
	}
	ms, err := s.ds.Index.StateToModSeq(ctx, s.accountID, string(backendID), sel.Snapshot().LastStateToken)
	if err != nil {
		return nil, fmt.Errorf("jmapbridge: select modseq %q: %w", name, err)
	}
	sel.SetBaseModSeq(ms)

	return &bridgeMailbox{
		ds:        s.ds,
		sess:      s.sess,
		cache:     s.cache,
		idx:       s.ds.Index,
		accountID: s.accountID,
		name:      string(name),
		backendID: backendID,
		sel:       sel,
	}, nil
}

func (s *bridgeSession) CreateMailbox(name []byte, attr imap.ListAttrFlag) error {
	ctx, cancel := callCtx()
	defer cancel()

	parentID, leaf, err := s.resolveParent(ctx, string(name))
	if err != nil {
		return err
	}
	resp, err := s.sess.Mailbox().Set(ctx, backend.MailboxSetRequest{
		Create: map[string]backend.Mailbox{
			"c1": {Name: leaf, ParentID: parentID},
		},
	})
	if err != nil {
		return fmt.Errorf("jmapbridge: create mailbox: %w", err)
	}
	if setErr, ok := resp.NotCreated["c1"]; ok {
		return fmt.Errorf("jmapbridge: create mailbox %q: %s: %s", name, setErr.Type, setErr.Description)
	}
	return s.cache.Changes(ctx, s.sess, s.accountID)
}

// resolveParent walks name's "/"-separated path against the cached tree,
// requiring every ancestor to already exist — this bridge does not
// auto-vivify intermediate mailboxes the way some IMAP servers do.
func (s *bridgeSession) resolveParent(ctx context.Context, name string) (backend.MailboxID, string, error) {
	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		return "", "", fmt.Errorf("jmapbridge: mailbox tree not loaded for %s", s.accountID)
	}
	idx := lastSlash(name)
	if idx < 0 {
		return "", name, nil
	}
	parentName, leaf := name[:idx], name[idx+1:]
	parentID, ok := snap.NameToID[parentName]
	if !ok {
		return "", "", fmt.Errorf("jmapbridge: parent mailbox %q does not exist", parentName)
	}
	return parentID, leaf, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (s *bridgeSession) DeleteMailbox(name []byte) error {
	ctx, cancel := callCtx()
	defer cancel()

	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		return fmt.Errorf("jmapbridge: mailbox tree not loaded for %s", s.accountID)
	}
	backendID, ok := snap.NameToID[string(name)]
	if !ok {
		return fmt.Errorf("jmapbridge: unknown mailbox %q", name)
	}
	resp, err := s.sess.Mailbox().Set(ctx, backend.MailboxSetRequest{Destroy: []backend.MailboxID{backendID}})
	if err != nil {
		return fmt.Errorf("jmapbridge: delete mailbox: %w", err)
	}
	if setErr, ok := resp.NotDestroyed[string(backendID)]; ok {
		return fmt.Errorf("jmapbridge: delete mailbox %q: %s: %s", name, setErr.Type, setErr.Description)
	}
	if err := s.ds.Index.DeleteMailbox(ctx, s.accountID, string(backendID)); err != nil {
		s.ds.logf("jmapbridge: delete mailbox index cleanup %q: %v", name, err)
	}
	return s.cache.Changes(ctx, s.sess, s.accountID)
}

func (s *bridgeSession) RenameMailbox(old, new []byte) error {
	ctx, cancel := callCtx()
	defer cancel()

	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		return fmt.Errorf("jmapbridge: mailbox tree not loaded for %s", s.accountID)
	}
	backendID, ok := snap.NameToID[string(old)]
	if !ok {
		return fmt.Errorf("jmapbridge: unknown mailbox %q", old)
	}
	_, leaf, err := s.resolveParent(ctx, string(new))
	if err != nil {
		return err
	}
	resp, err := s.sess.Mailbox().Set(ctx, backend.MailboxSetRequest{
		Update: map[backend.MailboxID]backend.MailboxPatch{backendID: {Name: &leaf}},
	})
	if err != nil {
		return fmt.Errorf("jmapbridge: rename mailbox: %w", err)
	}
	if setErr, ok := resp.NotUpdated[string(backendID)]; ok {
		return fmt.Errorf("jmapbridge: rename mailbox %q: %s: %s", old, setErr.Type, setErr.Description)
	}
	return s.cache.Changes(ctx, s.sess, s.accountID)
}

// SetSubscribed implements SUBSCRIBE/UNSUBSCRIBE (mboxcache's
// MailboxSnapshot.IsSubscribed is what LIST/LSUB and STATUS read back)
// by patching the backend Mailbox object directly, then
// folding the change into the cached snapshot so a subsequent LSUB in
// the same session sees it without a round trip through Changes.
func (s *bridgeSession) SetSubscribed(name []byte, subscribed bool) error {
	ctx, cancel := callCtx()
	defer cancel()

	snap, ok := s.cache.Snapshot(s.accountID)
	if !ok {
		return fmt.Errorf("jmapbridge: mailbox tree not loaded for %s", s.accountID)
	}
	backendID, ok := snap.NameToID[string(name)]
	if !ok {
		return fmt.Errorf("jmapbridge: unknown mailbox %q", name)
	}
	if backendID == "" {
		return fmt.Errorf("jmapbridge: cannot subscribe to the virtual All Mail folder")
	}

	resp, err := s.sess.Mailbox().Set(ctx, backend.MailboxSetRequest{
		Update: map[backend.MailboxID]backend.MailboxPatch{backendID: {IsSubscribed: &subscribed}},
	})
	if err != nil {
		return fmt.Errorf("jmapbridge: set subscribed: %w", err)
	}
	if setErr, ok := resp.NotUpdated[string(backendID)]; ok {
		return fmt.Errorf("jmapbridge: set subscribed %q: %s: %s", name, setErr.Type, setErr.Description)
	}
	s.cache.SetSubscribed(s.accountID, backendID, subscribed)
	return nil
}

// RegisterPushDevice records nothing yet: APNS push wiring is out of
// scope for this bridge (see DESIGN.md), so this just satisfies the
// interface without erroring the XAPPLEPUSHSERVICE command out.
func (s *bridgeSession) RegisterPushDevice(name string, device imapparser.ApplePushDevice) error {
	return nil
}

// Idle implements imap.Idler for the Authenticated state: no mailbox
// is selected, so only Mailbox-level events are worth
// a subscription — Fanout.Selected stays nil, which also makes
// handleEmailChange a no-op even if an Email event slips through.
func (s *bridgeSession) Idle(ctx context.Context, write func(line string) error) error {
	changes, err := s.sess.EventSource(ctx, []string{"Mailbox"}, idleRefresh, idleKeepalive, idlePingInterval)
	if err != nil {
		return fmt.Errorf("jmapbridge: idle event source: %w", err)
	}
	f := &idlefanout.Fanout{
		AccountID: s.accountID,
		Cache:     s.cache,
		Index:     s.ds.Index,
		Write:     idlefanout.Writer(write),
		Logf:      s.ds.Logf,
	}
	return f.Run(ctx, s.sess, changes)
}

func (s *bridgeSession) Close() {
	s.sess.Close()
}
