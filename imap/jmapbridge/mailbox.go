package jmapbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"crawshaw.io/iox"

	"imapfront/email"
	"imapfront/email/msgcleaver"
	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/idlefanout"
	"imapfront/imap/imapparser"
	"imapfront/imap/mboxcache"
	"imapfront/imap/session"
	"imapfront/imap/uidindex"
)

// idleRefresh, idleKeepalive and idlePingInterval bound the
// backend.Session.EventSource subscription an Idle call opens: refresh is
// the staleness window before the backend forces a resync even with no
// observed change, keepalive is the maximum gap between delivered events
// before the subscription is considered dead, and pingInterval is how
// often EventSource itself should probe liveness.
const (
	idleRefresh      = 29 * time.Minute
	idleKeepalive    = 2 * time.Minute
	idlePingInterval = 15 * time.Second
)

// bridgeMailbox implements imap.Mailbox over one session.Selected
// projection of a backend mailbox, the way imap/imaptest's memoryMailbox
// wraps a []memoryMsg slice — except the authoritative message set lives
// in the backend, not in process memory.
type bridgeMailbox struct {
	ds        *DataStore
	sess      backend.Session
	cache     *mboxcache.Cache
	idx       *uidindex.Store
	accountID string
	name      string
	backendID backend.MailboxID
	sel       *session.Selected
}

func (m *bridgeMailbox) ID() int64 {
	return m.ds.internMailboxID(m.accountID, m.backendID)
}

func (m *bridgeMailbox) Info() (imap.MailboxInfo, error) {
	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	info := imap.MailboxInfo{
		Summary:       imap.MailboxSummary{Name: m.name},
		NumMessages:   snap.TotalMessages,
		UIDNext:       snap.UIDNext,
		UIDValidity:   snap.UIDValidity,
	}

	modSeq, err := m.idx.StateToModSeq(ctx, m.accountID, string(m.backendID), snap.LastStateToken)
	if err != nil {
		return imap.MailboxInfo{}, fmt.Errorf("jmapbridge: mailbox info modseq: %w", err)
	}
	info.HighestModSequence = modSeq

	if len(snap.BackendIDs) == 0 {
		return info, nil
	}
	ids := make([]backend.EmailID, len(snap.BackendIDs))
	for i, id := range snap.BackendIDs {
		ids[i] = backend.EmailID(id)
	}
	emails, err := m.sess.Email().Get(ctx, ids, []string{"keywords", "size"})
	if err != nil {
		return imap.MailboxInfo{}, fmt.Errorf("jmapbridge: mailbox info keywords: %w", err)
	}
	byID := make(map[backend.EmailID]backend.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
		info.Size += e.Size
	}
	for i, bid := range snap.BackendIDs {
		e := byID[backend.EmailID(bid)]
		if e.Keywords["$seen"] {
			continue
		}
		info.NumUnseen++
		if info.FirstUnseenSeqNum == 0 {
			info.FirstUnseenSeqNum = uint32(i + 1)
		}
	}
	return info, nil
}

func (m *bridgeMailbox) Append(flags [][]byte, date time.Time, data *iox.BufferFile) (uint32, error) {
	ctx, cancel := callCtx()
	defer cancel()

	if _, err := data.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("jmapbridge: append seek: %w", err)
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return 0, fmt.Errorf("jmapbridge: append read: %w", err)
	}

	keywords := make(map[string]bool, len(flags))
	for _, f := range flags {
		if kw, ok := imapFlagToKeyword(string(f)); ok {
			keywords[kw] = true
		}
	}

	e, err := m.sess.Email().Import(ctx, m.accountID, bytes.NewReader(raw),
		map[backend.MailboxID]bool{m.backendID: true}, keywords, date)
	if err != nil {
		return 0, fmt.Errorf("jmapbridge: append import: %w", err)
	}

	mappings, err := m.idx.JmapToImap(ctx, m.accountID, string(m.backendID), []string{string(e.ID)}, true)
	if err != nil || len(mappings.UIDs) != 1 {
		return 0, fmt.Errorf("jmapbridge: append assign uid: %w", err)
	}
	m.sel.ExtendTail(mappings.UIDs, mappings.BackendIDs)
	return mappings.UIDs[0], nil
}

func (m *bridgeMailbox) Search(op *imapparser.SearchOp, fn func(imap.MessageSummary)) error {
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return err
	}

	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	if len(snap.BackendIDs) == 0 {
		return nil
	}
	ids := make([]backend.EmailID, len(snap.BackendIDs))
	for i, id := range snap.BackendIDs {
		ids[i] = backend.EmailID(id)
	}
	emails, err := m.sess.Email().Get(ctx, ids, []string{"keywords", "size", "receivedAt", "sentAt", "headers"})
	if err != nil {
		return fmt.Errorf("jmapbridge: search get: %w", err)
	}
	byID := make(map[backend.EmailID]backend.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}

	for i, bid := range snap.BackendIDs {
		e, ok := byID[backend.EmailID(bid)]
		if !ok {
			continue
		}
		sm := &searchMsg{
			seqNum: uint32(i + 1),
			uid:    snap.ImapUIDs[i],
			email:  e,
			blob:   m.sess.Blob(),
		}
		if matcher.Match(sm) {
			fn(imap.MessageSummary{SeqNum: sm.seqNum, UID: sm.uid})
		}
	}
	return nil
}

func (m *bridgeMailbox) Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(imap.Message)) error {
	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	for i, bid := range snap.BackendIDs {
		seqNum := uint32(i + 1)
		uidVal := snap.ImapUIDs[i]
		match := seqNum
		if uid {
			match = uidVal
		}
		if !imapparser.SeqContains(seqs, match) {
			continue
		}
		if changedSince > 0 && m.sel.ModSeqForUID(uidVal) <= changedSince {
			continue
		}

		msg, err := m.loadMessage(ctx, bid, uidVal, seqNum)
		if err != nil {
			return fmt.Errorf("jmapbridge: fetch %s: %w", bid, err)
		}
		fn(msg)
		msg.emailMsg.Close()
	}
	return nil
}

// loadMessage downloads the raw RFC 822 blob and parses it with the same
// msgcleaver.Cleave call Append and imap/imaptest's memoryMailbox.Append
// use, so every Part.Content is already materialized and LoadPart can be
// a no-op.
func (m *bridgeMailbox) loadMessage(ctx context.Context, backendID string, uidVal, seqNum uint32) (*bridgeMessage, error) {
	emails, err := m.sess.Email().Get(ctx, []backend.EmailID{backend.EmailID(backendID)}, nil)
	if err != nil || len(emails) == 0 {
		return nil, fmt.Errorf("get: %w", err)
	}
	e := emails[0]

	rc, err := m.sess.Blob().Download(ctx, e.BlobID)
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", e.BlobID, err)
	}
	defer rc.Close()

	emailMsg, err := msgcleaver.Cleave(m.ds.Filer, rc)
	if err != nil {
		return nil, fmt.Errorf("cleave: %w", err)
	}
	emailMsg.Date = e.ReceivedAt
	emailMsg.Flags = keywordsToFlags(e.Keywords)
	emailMsg.MailboxID = m.ID()

	return &bridgeMessage{
		summary:   imap.MessageSummary{SeqNum: seqNum, UID: uidVal, ModSeq: m.sel.ModSeqForUID(uidVal)},
		emailMsg:  emailMsg,
		mailbox:   m,
		backendID: backend.EmailID(backendID),
	}, nil
}

func (m *bridgeMailbox) Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum, uid uint32)) error {
	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	if len(snap.BackendIDs) == 0 {
		return nil
	}
	ids := make([]backend.EmailID, len(snap.BackendIDs))
	for i, id := range snap.BackendIDs {
		ids[i] = backend.EmailID(id)
	}
	emails, err := m.sess.Email().Get(ctx, ids, []string{"keywords", "mailboxIds"})
	if err != nil {
		return fmt.Errorf("jmapbridge: expunge get: %w", err)
	}
	byID := make(map[backend.EmailID]backend.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}

	patches := make(map[backend.EmailID]backend.EmailPatch)
	for i, bid := range snap.BackendIDs {
		if uidSeqs != nil && !imapparser.SeqContains(uidSeqs, snap.ImapUIDs[i]) {
			continue
		}
		e, ok := byID[backend.EmailID(bid)]
		if !ok || !e.Keywords["$deleted"] {
			continue
		}
		mailboxIDs := make(map[backend.MailboxID]bool, len(e.MailboxIDs))
		for id, set := range e.MailboxIDs {
			if set && id != m.backendID {
				mailboxIDs[id] = true
			}
		}
		patches[e.ID] = backend.EmailPatch{MailboxIDs: mailboxIDs}
	}
	if len(patches) == 0 {
		return nil
	}

	resp, err := m.sess.Email().Set(ctx, backend.EmailSetRequest{Update: patches})
	if err != nil {
		return fmt.Errorf("jmapbridge: expunge set: %w", err)
	}
	for id, setErr := range resp.NotUpdated {
		m.ds.logf("jmapbridge: expunge %s: %s: %s", id, setErr.Type, setErr.Description)
	}

	expunged, err := m.sel.Resync(ctx, m.sess, m.idx)
	if err != nil {
		return fmt.Errorf("jmapbridge: expunge resync: %w", err)
	}
	if fn != nil {
		for _, e := range expunged {
			fn(e.SeqNum, e.UID)
		}
	}
	return nil
}

// Qresync implements imap.Resyncer for a QRESYNC SELECT (RFC 7162
// Section 3.2.5): tombstoned UIDs come out of the uid index's deletion
// log, and the modified set is derived by translating the client's
// mod-sequence back to the backend state token it was minted from and
// diffing from there. When the token is no longer known the whole
// mailbox is reported, which RFC 7162 permits as the degenerate answer.
func (m *bridgeMailbox) Qresync(param *imapparser.QresyncParam) (imap.QresyncData, bool, error) {
	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	if param.UIDValidity != snap.UIDValidity {
		return imap.QresyncData{}, false, nil
	}

	var data imap.QresyncData

	vanished, err := m.idx.VanishedSince(ctx, m.accountID, string(m.backendID), 0)
	if err != nil {
		return imap.QresyncData{}, false, fmt.Errorf("jmapbridge: qresync vanished: %w", err)
	}
	if len(param.UIDs) > 0 {
		kept := vanished[:0]
		for _, uid := range vanished {
			if imapparser.SeqContains(param.UIDs, uid) {
				kept = append(kept, uid)
			}
		}
		vanished = kept
	}
	data.Vanished = imapparser.CompressUIDs(vanished)

	inMailbox := make(map[string]int, len(snap.BackendIDs))
	for i, id := range snap.BackendIDs {
		inMailbox[id] = i
	}

	var modifiedIDs []backend.EmailID
	token, known, err := m.idx.ModSeqToState(ctx, m.accountID, string(m.backendID), param.ModSeq)
	if err != nil {
		return imap.QresyncData{}, false, fmt.Errorf("jmapbridge: qresync token: %w", err)
	}
	if known {
		changes, err := m.sess.Email().Changes(ctx, token)
		if err != nil {
			return imap.QresyncData{}, false, fmt.Errorf("jmapbridge: qresync changes: %w", err)
		}
		for _, ids := range [][]backend.EmailID{changes.Created, changes.Updated} {
			for _, id := range ids {
				if _, ok := inMailbox[string(id)]; ok {
					modifiedIDs = append(modifiedIDs, id)
				}
			}
		}
	} else {
		for _, id := range snap.BackendIDs {
			modifiedIDs = append(modifiedIDs, backend.EmailID(id))
		}
	}
	if len(modifiedIDs) == 0 {
		return data, true, nil
	}

	emails, err := m.sess.Email().Get(ctx, modifiedIDs, []string{"keywords"})
	if err != nil {
		return imap.QresyncData{}, false, fmt.Errorf("jmapbridge: qresync get: %w", err)
	}
	modSeq, err := m.HighestModSequence()
	if err != nil {
		return imap.QresyncData{}, false, err
	}
	for _, e := range emails {
		i, ok := inMailbox[string(e.ID)]
		if !ok {
			continue
		}
		data.Modified = append(data.Modified, imap.StoreResult{
			SeqNum:      uint32(i + 1),
			UID:         snap.ImapUIDs[i],
			Flags:       keywordsToFlags(e.Keywords),
			ModSequence: modSeq,
		})
	}
	return data, true, nil
}

func (m *bridgeMailbox) Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (imap.StoreResults, error) {
	ctx, cancel := callCtx()
	defer cancel()

	var res imap.StoreResults
	snap := m.sel.Snapshot()
	if len(snap.BackendIDs) == 0 {
		return res, nil
	}

	var matchedIdx []int
	ids := make([]backend.EmailID, 0, len(snap.BackendIDs))
	for i, bid := range snap.BackendIDs {
		match := snap.ImapUIDs[i]
		if !uid {
			match = uint32(i + 1)
		}
		if !imapparser.SeqContains(seqs, match) {
			continue
		}
		matchedIdx = append(matchedIdx, i)
		ids = append(ids, backend.EmailID(bid))
	}
	if len(ids) == 0 {
		return res, nil
	}

	emails, err := m.sess.Email().Get(ctx, ids, []string{"keywords"})
	if err != nil {
		return res, fmt.Errorf("jmapbridge: store get: %w", err)
	}
	byID := make(map[backend.EmailID]backend.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}

	storeKeywords := make(map[string]bool, len(store.Flags))
	for _, f := range store.Flags {
		if kw, ok := imapFlagToKeyword(string(f)); ok {
			storeKeywords[kw] = true
		}
	}

	// A conditional replace against a message modified after the
	// client's mod-sequence fails with [MODIFIED]; ADD and REMOVE merge
	// cleanly, so they go through regardless (RFC 7162 §3.1.3's leeway).
	type pending struct {
		idx      int
		keywords map[string]bool
	}
	var changes []pending
	patches := make(map[backend.EmailID]backend.EmailPatch)
	for _, i := range matchedIdx {
		bid := backend.EmailID(snap.BackendIDs[i])
		uidVal := snap.ImapUIDs[i]
		e := byID[bid]
		if store.Mode == imapparser.StoreReplace && store.UnchangedSince != 0 &&
			m.sel.ModSeqForUID(uidVal) > store.UnchangedSince {
			match := uidVal
			if !uid {
				match = uint32(i + 1)
			}
			res.FailedModified = imapparser.AppendSeqRange(res.FailedModified, match)
			continue
		}
		newKeywords := applyStoreMode(e.Keywords, storeKeywords, store.Mode)
		if keywordsEqual(e.Keywords, newKeywords) {
			// No-op: report the current state without minting a new
			// mod-sequence.
			if store.UnchangedSince != 0 && m.sel.ModSeqForUID(uidVal) > store.UnchangedSince {
				res.Stored = append(res.Stored, imap.StoreResult{
					SeqNum:      uint32(i + 1),
					UID:         uidVal,
					Flags:       keywordsToFlags(e.Keywords),
					ModSequence: m.sel.ModSeqForUID(uidVal),
				})
			}
			continue
		}
		changes = append(changes, pending{idx: i, keywords: newKeywords})
		patches[bid] = backend.EmailPatch{Keywords: newKeywords}
	}
	if len(patches) == 0 {
		return res, nil
	}

	resp, err := m.sess.Email().Set(ctx, backend.EmailSetRequest{Update: patches})
	if err != nil {
		return res, fmt.Errorf("jmapbridge: store set: %w", err)
	}
	for id, setErr := range resp.NotUpdated {
		m.ds.logf("jmapbridge: store %s: %s: %s", id, setErr.Type, setErr.Description)
	}

	ch, err := m.sess.Email().Changes(ctx, snap.LastStateToken)
	if err != nil {
		return res, fmt.Errorf("jmapbridge: store state: %w", err)
	}
	newModSeq, err := m.idx.StateToModSeq(ctx, m.accountID, string(m.backendID), ch.NewState)
	if err != nil {
		return res, fmt.Errorf("jmapbridge: store modseq: %w", err)
	}
	m.sel.SetStateToken(ch.NewState)

	changedUIDs := make([]uint32, 0, len(changes))
	for _, p := range changes {
		changedUIDs = append(changedUIDs, snap.ImapUIDs[p.idx])
		res.Stored = append(res.Stored, imap.StoreResult{
			SeqNum:      uint32(p.idx + 1),
			UID:         snap.ImapUIDs[p.idx],
			Flags:       keywordsToFlags(p.keywords),
			ModSequence: newModSeq,
		})
	}
	m.sel.BumpModSeq(changedUIDs, newModSeq)
	return res, nil
}

// keywordsEqual reports whether two keyword sets mark the same keywords.
func keywordsEqual(a, b map[string]bool) bool {
	for kw, set := range a {
		if set != b[kw] {
			return false
		}
	}
	for kw, set := range b {
		if set != a[kw] {
			return false
		}
	}
	return true
}

func applyStoreMode(current, delta map[string]bool, mode imapparser.StoreMode) map[string]bool {
	out := make(map[string]bool, len(current)+len(delta))
	switch mode {
	case imapparser.StoreReplace:
		for kw := range delta {
			out[kw] = true
		}
	case imapparser.StoreAdd:
		for kw, set := range current {
			if set {
				out[kw] = true
			}
		}
		for kw := range delta {
			out[kw] = true
		}
	case imapparser.StoreRemove:
		for kw, set := range current {
			if set && !delta[kw] {
				out[kw] = true
			}
		}
	}
	return out
}

func (m *bridgeMailbox) Move(uid bool, seqs []imapparser.SeqRange, dst imap.Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error {
	return m.copyOrMove(uid, seqs, dst, true, func(seqNum, srcUID, dstUID uint32) {
		if fn != nil {
			fn(seqNum, srcUID, dstUID)
		}
	}, nil)
}

func (m *bridgeMailbox) Copy(uid bool, seqs []imapparser.SeqRange, dst imap.Mailbox, fn func(srcUID, dstUID uint32)) error {
	return m.copyOrMove(uid, seqs, dst, false, nil, func(srcUID, dstUID uint32) {
		if fn != nil {
			fn(srcUID, dstUID)
		}
	})
}

// copyOrMove implements both Move and Copy: it patches MailboxIDs on the
// backend (adding dst, and for a move removing the source), then resyncs
// both mailboxes' session.Selected projections so the caller's seqnum
// bookkeeping (and dst's own Info afterward) reflects the mutation.
func (m *bridgeMailbox) copyOrMove(uid bool, seqs []imapparser.SeqRange, dstMbox imap.Mailbox, move bool,
	moveFn func(seqNum, srcUID, dstUID uint32), copyFn func(srcUID, dstUID uint32)) error {

	dst, ok := dstMbox.(*bridgeMailbox)
	if !ok {
		return fmt.Errorf("jmapbridge: destination mailbox is not a jmapbridge mailbox")
	}

	ctx, cancel := callCtx()
	defer cancel()

	snap := m.sel.Snapshot()
	type matched struct {
		seqNum, srcUID uint32
		backendID      backend.EmailID
	}
	var items []matched
	for i, bid := range snap.BackendIDs {
		match := snap.ImapUIDs[i]
		if !uid {
			match = uint32(i + 1)
		}
		if !imapparser.SeqContains(seqs, match) {
			continue
		}
		items = append(items, matched{seqNum: uint32(i + 1), srcUID: snap.ImapUIDs[i], backendID: backend.EmailID(bid)})
	}
	if len(items) == 0 {
		return nil
	}

	ids := make([]backend.EmailID, len(items))
	for i, it := range items {
		ids[i] = it.backendID
	}
	emails, err := m.sess.Email().Get(ctx, ids, []string{"mailboxIds"})
	if err != nil {
		return fmt.Errorf("jmapbridge: copy/move get: %w", err)
	}
	byID := make(map[backend.EmailID]backend.Email, len(emails))
	for _, e := range emails {
		byID[e.ID] = e
	}

	patches := make(map[backend.EmailID]backend.EmailPatch, len(items))
	for _, it := range items {
		e := byID[it.backendID]
		mailboxIDs := make(map[backend.MailboxID]bool, len(e.MailboxIDs)+1)
		for id, set := range e.MailboxIDs {
			if set {
				mailboxIDs[id] = true
			}
		}
		if move {
			delete(mailboxIDs, m.backendID)
		}
		mailboxIDs[dst.backendID] = true
		patches[it.backendID] = backend.EmailPatch{MailboxIDs: mailboxIDs}
	}

	resp, err := m.sess.Email().Set(ctx, backend.EmailSetRequest{Update: patches})
	if err != nil {
		return fmt.Errorf("jmapbridge: copy/move set: %w", err)
	}
	for id, setErr := range resp.NotUpdated {
		m.ds.logf("jmapbridge: copy/move %s: %s: %s", id, setErr.Type, setErr.Description)
	}

	if _, err := dst.sel.Resync(ctx, dst.sess, dst.idx); err != nil {
		return fmt.Errorf("jmapbridge: copy/move dst resync: %w", err)
	}
	dstSnap := dst.sel.Snapshot()
	dstUIDOf := make(map[backend.EmailID]uint32, len(dstSnap.BackendIDs))
	for i, bid := range dstSnap.BackendIDs {
		dstUIDOf[backend.EmailID(bid)] = dstSnap.ImapUIDs[i]
	}

	for _, it := range items {
		dstUID := dstUIDOf[it.backendID]
		if move {
			moveFn(it.seqNum, it.srcUID, dstUID)
		} else {
			copyFn(it.srcUID, dstUID)
		}
	}

	if move {
		if _, err := m.sel.Resync(ctx, m.sess, m.idx); err != nil {
			return fmt.Errorf("jmapbridge: move src resync: %w", err)
		}
	}
	return nil
}

func (m *bridgeMailbox) HighestModSequence() (int64, error) {
	ctx, cancel := callCtx()
	defer cancel()
	snap := m.sel.Snapshot()
	return m.idx.StateToModSeq(ctx, m.accountID, string(m.backendID), snap.LastStateToken)
}

// Idle implements imap.Idler for a selected mailbox: it subscribes to
// both Mailbox and Email change events, since an IMAP client in the
// Selected state must still see LIST/STATUS-worthy sibling-mailbox
// changes alongside its own EXPUNGE/EXISTS traffic.
func (m *bridgeMailbox) Idle(ctx context.Context, write func(line string) error) error {
	changes, err := m.sess.EventSource(ctx, []string{"Mailbox", "Email"}, idleRefresh, idleKeepalive, idlePingInterval)
	if err != nil {
		return fmt.Errorf("jmapbridge: idle event source: %w", err)
	}
	f := &idlefanout.Fanout{
		AccountID: m.accountID,
		Cache:     m.cache,
		Index:     m.idx,
		Write:     idlefanout.Writer(write),
		Logf:      m.ds.Logf,
		Selected:  m.sel,
	}
	return f.Run(ctx, m.sess, changes)
}

func (m *bridgeMailbox) Close() error { return nil }

// searchMsg implements imapparser.MatchMessage over a backend.Email,
// downloading the raw blob lazily only if the search touches
// BODY/TEXT.
type searchMsg struct {
	seqNum, uid uint32
	email       backend.Email
	blob        backend.BlobService

	body *string
}

func (s *searchMsg) SeqNum() uint32   { return s.seqNum }
func (s *searchMsg) UID() uint32      { return s.uid }
func (s *searchMsg) ModSeq() int64    { return 0 }
func (s *searchMsg) RFC822Size() int64 { return s.email.Size }

func (s *searchMsg) Date() time.Time { return s.email.ReceivedAt }

func (s *searchMsg) SentDate() time.Time {
	if !s.email.SentAt.IsZero() {
		return s.email.SentAt
	}
	return s.email.ReceivedAt
}

func (s *searchMsg) Flag(name string) bool {
	kw, ok := imapFlagToKeyword(name)
	if !ok {
		return false
	}
	return s.email.Keywords[kw]
}

func (s *searchMsg) Header(name string) string {
	key := email.CanonicalKey([]byte(name))
	for _, h := range s.email.Headers {
		if email.CanonicalKey([]byte(h.Name)) == key {
			return h.Value
		}
	}
	return ""
}

func (s *searchMsg) Body() string {
	if s.body != nil {
		return *s.body
	}
	text := ""
	ctx, cancel := callCtx()
	defer cancel()
	if rc, err := s.blob.Download(ctx, s.email.BlobID); err == nil {
		defer rc.Close()
		if raw, err := io.ReadAll(rc); err == nil {
			text = string(raw)
		}
	}
	s.body = &text
	return text
}
