// Package session implements the selected-mailbox session state: the
// sequence-number <-> UID <-> backend-id projection for the mailbox a
// connection currently has open, CONDSTORE's mod-sequence bookkeeping,
// and the saved-search buffer SEARCH RETURN (SAVE)/"$" uses.
//
// The projection is a stable, session-owned snapshot materialized at
// SELECT time rather than recomputed per query: QRESYNC/VANISHED
// bookkeeping needs a view that does not shift under a concurrent
// backend mutation. imap/uidindex is the UID source.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"imapfront/imap"
	"imapfront/imap/backend"
	"imapfront/imap/imapparser"
	"imapfront/imap/uidindex"
)

// State is a selected mailbox's materialized view: the parallel imap_uids/backend_ids
// arrays plus the mailbox-level counters, all invalidated together by a
// re-SELECT.
type State struct {
	UIDValidity    uint32
	UIDNext        uint32
	TotalMessages  uint32
	ImapUIDs       []uint32 // invariant: strictly ascending
	BackendIDs     []string // parallel to ImapUIDs
	LastStateToken string
}

// SavedSearchStatus tracks the saved-search buffer's lifecycle.
type SavedSearchStatus int

const (
	SavedSearchNone SavedSearchStatus = iota
	SavedSearchInFlight
	SavedSearchResults
)

// Selected is the mailbox a connection has
// open via SELECT or EXAMINE.
type Selected struct {
	ID         imap.MailboxID
	BackendID  backend.MailboxID
	IsSelect   bool // false => opened via EXAMINE, read-only
	IsCondstore bool

	mu     sync.Mutex
	state  State
	saved  SavedSearchStatus
	savedResults uidindex.IdMappings
	savedWaiters []chan uidindex.IdMappings

	// baseModSeq is the mailbox-wide mod-sequence current at SELECT
	// time; uidModSeq records the newer mod-sequences of messages this
	// session has since seen change. A UID absent from the map carries
	// baseModSeq.
	baseModSeq int64
	uidModSeq  map[uint32]int64
}

// SetBaseModSeq records the mod-sequence the whole mailbox carried when
// it was selected.
func (sel *Selected) SetBaseModSeq(ms int64) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.baseModSeq = ms
}

// ModSeqForUID reports the last mod-sequence observed for uid.
func (sel *Selected) ModSeqForUID(uid uint32) int64 {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if ms, ok := sel.uidModSeq[uid]; ok {
		return ms
	}
	return sel.baseModSeq
}

// BumpModSeq records ms as the current mod-sequence of each uid.
func (sel *Selected) BumpModSeq(uids []uint32, ms int64) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if sel.uidModSeq == nil {
		sel.uidModSeq = make(map[uint32]int64)
	}
	for _, uid := range uids {
		sel.uidModSeq[uid] = ms
	}
}

// SetStateToken records the backend state token the session state now
// reflects.
func (sel *Selected) SetStateToken(token string) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.state.LastStateToken = token
}

// RW reports whether mutating commands (STORE/EXPUNGE/MOVE) are
// permitted (the mailbox was opened with SELECT, not EXAMINE).
func (sel *Selected) RW() bool { return sel.IsSelect }

// Snapshot returns a copy of the current State, safe to read without
// holding sel's lock afterward.
func (sel *Selected) Snapshot() State {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	cp := sel.state
	cp.ImapUIDs = append([]uint32(nil), sel.state.ImapUIDs...)
	cp.BackendIDs = append([]string(nil), sel.state.BackendIDs...)
	return cp
}

// Synchronize materializes the selected mailbox's message set at
// SELECT/EXAMINE time: query every message id in the
// mailbox (stable order), run update_uids (imap/uidindex.Synchronize),
// and record the backend's opaque state token for later CONDSTORE
// translation.
func (sel *Selected) Synchronize(ctx context.Context, sess backend.Session, idx *uidindex.Store) error {
	backendIDs, stateToken, err := queryAllIDs(ctx, sess, sel.BackendID)
	if err != nil {
		return fmt.Errorf("session: synchronize_messages query: %w", err)
	}

	uidValidity, uidNext, err := idx.Synchronize(ctx, sel.ID.AccountID, string(sel.BackendID), backendIDs)
	if err != nil {
		return fmt.Errorf("session: update_uids: %w", err)
	}

	mappings, err := idx.JmapToImap(ctx, sel.ID.AccountID, string(sel.BackendID), backendIDs, true)
	if err != nil {
		return fmt.Errorf("session: jmap_to_imap: %w", err)
	}
	// mappings.UIDs is not necessarily in backendIDs' arrival order; the
	// imap_uids invariant requires strict ascending order, so sort the
	// pair by UID.
	order := make([]int, len(mappings.UIDs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return mappings.UIDs[order[i]] < mappings.UIDs[order[j]] })
	sortedUIDs := make([]uint32, len(order))
	sortedIDs := make([]string, len(order))
	for i, idx2 := range order {
		sortedUIDs[i] = mappings.UIDs[idx2]
		sortedIDs[i] = mappings.BackendIDs[idx2]
	}

	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.state = State{
		UIDValidity:    uidValidity,
		UIDNext:        uidNext,
		TotalMessages:  uint32(len(sortedUIDs)),
		ImapUIDs:       sortedUIDs,
		BackendIDs:     sortedIDs,
		LastStateToken: stateToken,
	}
	return nil
}

// queryAllIDs pages through Email().Query until every id in the mailbox
// has been collected, chunked by the backend's CoreCapabilities batching
// limit (JMAP RFC 8620 Section 2), returning the final state token too.
func queryAllIDs(ctx context.Context, sess backend.Session, mailboxID backend.MailboxID) ([]string, string, error) {
	chunk := sess.CoreCapabilities().MaxObjectsInGet
	if chunk <= 0 {
		chunk = 500
	}
	var ids []string
	var stateToken string
	position := 0
	for {
		result, err := sess.Email().Query(ctx, backend.Filter{InMailbox: mailboxID},
			[]backend.SortCriterion{{Property: "receivedAt", IsAscending: true}}, position, chunk)
		if err != nil {
			return nil, "", err
		}
		stateToken = result.StateToken
		for _, id := range result.IDs {
			ids = append(ids, string(id))
		}
		position += len(result.IDs)
		if len(result.IDs) < chunk || position >= result.Total {
			break
		}
	}
	return ids, stateToken, nil
}

// Expunged pairs a removed message's sequence number, as visible at the
// moment it was removed, with its UID.
type Expunged struct {
	SeqNum uint32
	UID    uint32
}

// Resync re-derives the live backend id set for the mailbox and
// reconciles it against the session's arrays: ids no longer present are
// removed from both parallel arrays (returned in descending sequence
// number order, the order `* N EXPUNGE` must be emitted in), and
// newly-discovered ids are appended to the tail via uidindex's
// add_missing path. Used both by ordinary EXPUNGE handling and by idle
// fanout's email-changed events.
func (sel *Selected) Resync(ctx context.Context, sess backend.Session, idx *uidindex.Store) (expunged []Expunged, err error) {
	liveIDs, _, err := queryAllIDs(ctx, sess, sel.BackendID)
	if err != nil {
		return nil, fmt.Errorf("session: resync query: %w", err)
	}
	uidValidity, uidNext, err := idx.Synchronize(ctx, sel.ID.AccountID, string(sel.BackendID), liveIDs)
	if err != nil {
		return nil, fmt.Errorf("session: resync update_uids: %w", err)
	}

	liveSet := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		liveSet[id] = true
	}

	sel.mu.Lock()
	oldSet := make(map[string]bool, len(sel.state.BackendIDs))
	for _, id := range sel.state.BackendIDs {
		oldSet[id] = true
	}
	gone := make(map[string]bool)
	for id := range oldSet {
		if !liveSet[id] {
			gone[id] = true
		}
	}
	sel.mu.Unlock()

	expunged = sel.RemoveExpunged(gone)

	var newIDs []string
	for _, id := range liveIDs {
		if !oldSet[id] {
			newIDs = append(newIDs, id)
		}
	}
	if len(newIDs) > 0 {
		mappings, err := idx.JmapToImap(ctx, sel.ID.AccountID, string(sel.BackendID), newIDs, true)
		if err != nil {
			return nil, fmt.Errorf("session: resync jmap_to_imap: %w", err)
		}
		order := make([]int, len(mappings.UIDs))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return mappings.UIDs[order[i]] < mappings.UIDs[order[j]] })
		sortedUIDs := make([]uint32, len(order))
		sortedIDs := make([]string, len(order))
		for i, o := range order {
			sortedUIDs[i] = mappings.UIDs[o]
			sortedIDs[i] = mappings.BackendIDs[o]
		}
		sel.ExtendTail(sortedUIDs, sortedIDs)
	}

	sel.mu.Lock()
	sel.state.UIDValidity = uidValidity
	sel.state.UIDNext = uidNext
	sel.mu.Unlock()
	return expunged, nil
}

// SeqNumForUID returns the 1-based sequence number of uid, if currently
// visible.
func (sel *Selected) SeqNumForUID(uid uint32) (uint32, bool) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	i := sort.Search(len(sel.state.ImapUIDs), func(i int) bool { return sel.state.ImapUIDs[i] >= uid })
	if i < len(sel.state.ImapUIDs) && sel.state.ImapUIDs[i] == uid {
		return uint32(i + 1), true
	}
	return 0, false
}

// UIDForSeqNum returns the UID at 1-based sequence number n.
func (sel *Selected) UIDForSeqNum(n uint32) (uint32, bool) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	if n == 0 || int(n) > len(sel.state.ImapUIDs) {
		return 0, false
	}
	return sel.state.ImapUIDs[n-1], true
}

// TryExpand materializes seqs into an explicit []uint32 only when every
// component is finite and the total span is at most 1000 elements, so
// an open-ended 1:* over a huge mailbox never allocates; the caller
// falls back to iterating against live state (Resolve) otherwise.
func TryExpand(seqs []imapparser.SeqRange, max uint32) ([]uint32, bool) {
	var total uint64
	for _, r := range seqs {
		if r.Min == 0 || r.Max == 0 {
			return nil, false
		}
		span := uint64(r.Max-r.Min) + 1
		total += span
		if total > 1000 {
			return nil, false
		}
	}
	out := make([]uint32, 0, total)
	for _, r := range seqs {
		for v := r.Min; v <= r.Max; v++ {
			if v > max && max != 0 {
				continue
			}
			out = append(out, v)
		}
	}
	return out, true
}

// Resolve translates a sequence set into concrete message references
// against the live selected state: when isUID, seqs are UIDs (with 0/*
// meaning UIDNext-1, i.e. the current maximum UID present); otherwise
// seqs are 1-based sequence numbers clamped to TotalMessages.
func (sel *Selected) Resolve(seqs []imapparser.SeqRange, isUID bool) uidindex.IdMappings {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	var out uidindex.IdMappings
	n := uint32(len(sel.state.ImapUIDs))
	if n == 0 {
		return out
	}
	maxUID := sel.state.ImapUIDs[n-1]

	resolved := make([]imapparser.SeqRange, len(seqs))
	for i, r := range seqs {
		min, max := r.Min, r.Max
		if isUID {
			if min == 0 {
				min = maxUID
			}
			if max == 0 {
				max = maxUID
			}
		} else {
			if min == 0 {
				min = n
			}
			if max == 0 {
				max = n
			}
		}
		resolved[i] = imapparser.SeqRange{Min: min, Max: max}
	}

	if isUID {
		for i, uid := range sel.state.ImapUIDs {
			if imapparser.SeqContains(resolved, uid) {
				out.UIDs = append(out.UIDs, uid)
				out.BackendIDs = append(out.BackendIDs, sel.state.BackendIDs[i])
				out.SeqNums = append(out.SeqNums, uint32(i+1))
			}
		}
		return out
	}
	for i := uint32(1); i <= n; i++ {
		if imapparser.SeqContains(resolved, i) {
			out.UIDs = append(out.UIDs, sel.state.ImapUIDs[i-1])
			out.BackendIDs = append(out.BackendIDs, sel.state.BackendIDs[i-1])
			out.SeqNums = append(out.SeqNums, i)
		}
	}
	return out
}

// RemoveExpunged drops backend ids no longer present (gone) from both
// parallel arrays, keeping them aligned, and returns the removed
// (sequence number, UID) pairs in descending sequence number order, the
// order `* N EXPUNGE` lines must be emitted in, since each EXPUNGE
// shifts every later sequence number down by one.
func (sel *Selected) RemoveExpunged(gone map[string]bool) []Expunged {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	var removed []Expunged
	newUIDs := sel.state.ImapUIDs[:0:0]
	newIDs := sel.state.BackendIDs[:0:0]
	for i, id := range sel.state.BackendIDs {
		if gone[id] {
			removed = append(removed, Expunged{SeqNum: uint32(i + 1), UID: sel.state.ImapUIDs[i]})
			continue
		}
		newUIDs = append(newUIDs, sel.state.ImapUIDs[i])
		newIDs = append(newIDs, id)
	}
	sel.state.ImapUIDs = newUIDs
	sel.state.BackendIDs = newIDs
	sel.state.TotalMessages = uint32(len(newUIDs))

	for i, j := 0, len(removed)-1; i < j; i, j = i+1, j-1 {
		removed[i], removed[j] = removed[j], removed[i]
	}
	return removed
}

// ExtendTail appends newly-discovered (uid, backendID) pairs to the tail
// of both arrays, used after COPY/APPEND assigns fresh UIDs via
// uidindex.JmapToImap(..., addMissing=true). Callers must pass pairs
// already in ascending UID order to preserve the imap_uids invariant.
func (sel *Selected) ExtendTail(uids []uint32, backendIDs []string) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.state.ImapUIDs = append(sel.state.ImapUIDs, uids...)
	sel.state.BackendIDs = append(sel.state.BackendIDs, backendIDs...)
	sel.state.TotalMessages = uint32(len(sel.state.ImapUIDs))
	if len(uids) > 0 && uids[len(uids)-1] >= sel.state.UIDNext {
		sel.state.UIDNext = uids[len(uids)-1] + 1
	}
}

// SetSavedSearch replaces the saved-search buffer ("$"), notifying any
// prior in-flight subscribers with the final value before they
// complete.
func (sel *Selected) SetSavedSearch(results uidindex.IdMappings) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	sel.saved = SavedSearchResults
	sel.savedResults = results
	for _, ch := range sel.savedWaiters {
		ch <- results
		close(ch)
	}
	sel.savedWaiters = nil
}

// SavedSearch returns the current saved-search results, if any.
func (sel *Selected) SavedSearch() (uidindex.IdMappings, bool) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.savedResults, sel.saved == SavedSearchResults
}
