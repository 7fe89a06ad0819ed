// Package uidindex implements the persistent, per-(account, mailbox)
// bijection between opaque backend message identifiers and monotonically
// increasing 32-bit IMAP UIDs.
//
// The four logical key families share one SQLite table,
// ranked by a leading Family byte so a prefix scan on (account, mailbox,
// family) yields one family in key order:
//
//	jmap->uid : account, mailbox, 0, backend_id -> uid (BE u32)
//	uid->jmap : account, mailbox, 1, uid (BE u32) -> backend_id
//	uid_next  : account, mailbox, 2, ""          -> next unassigned uid (BE u32)
//	uid_valid : account, mailbox, 3, ""          -> uid_validity (BE u32)
//
// SQLite's BLOB PRIMARY KEY ordering is byte-lexicographic, so the one
// table behaves as an ordered key/value store. The index is standalone
// and mailbox-tree-agnostic: it keeps a bijection per (account, mailbox)
// pair without owning the message store itself.
package uidindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const (
	familyJmapToUID  = 0
	familyUIDToJmap  = 1
	familyUIDNext    = 2
	familyUIDValidity = 3
)

// IdMappings is the result of translating a sequence set (or a raw list of
// backend ids) into concrete message references.
type IdMappings struct {
	BackendIDs []string
	UIDs       []uint32
	SeqNums    []uint32 // populated only when a sequence-number projection was requested
}

// Store is the UID Index: a bijection store shared across every
// (account, mailbox) pair the frontend has touched.
type Store struct {
	pool *sqlitex.Pool
	logf func(format string, v ...interface{})
}

// Open creates or opens the UID Index database at path.
func Open(path string, poolSize int, logf func(format string, v ...interface{})) (*Store, error) {
	pool, err := sqlitex.Open(path, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("uidindex: open %s: %w", path, err)
	}
	conn := pool.Get(nil)
	defer pool.Put(conn)
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("uidindex: create schema: %w", err)
	}
	return &Store{pool: pool, logf: logf}, nil
}

func (s *Store) Close() error { return s.pool.Close() }

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func readBlob(stmt *sqlite.Stmt, col string) []byte {
	n := stmt.GetLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.GetBytes(col, buf)
	return buf
}

// readScalar reads the single-row uid_next/uid_validity family value, or
// returns ok=false if the row doesn't exist yet.
func readScalar(conn *sqlite.Conn, account, mailbox string, family int) (val uint32, ok bool, err error) {
	stmt := conn.Prep(`SELECT Value FROM UidIndexEntries
		WHERE Account = $account AND Mailbox = $mailbox AND Family = $family AND Key = x'';`)
	defer stmt.Reset()
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(family))
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	buf := readBlob(stmt, "Value")
	if len(buf) != 4 {
		return 0, false, fmt.Errorf("uidindex: malformed scalar row (family %d)", family)
	}
	return binary.BigEndian.Uint32(buf), true, nil
}

func writeScalar(conn *sqlite.Conn, account, mailbox string, family int, val uint32) error {
	stmt := conn.Prep(`INSERT INTO UidIndexEntries (Account, Mailbox, Family, Key, Value)
		VALUES ($account, $mailbox, $family, x'', $value)
		ON CONFLICT (Account, Mailbox, Family, Key) DO UPDATE SET Value = excluded.Value;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(family))
	stmt.SetBytes("$value", be32(val))
	_, err := stmt.Step()
	return err
}

// uidValidityFor computes a fresh UIDVALIDITY: seconds-since-2000
// divided by 3600, so it is 32-bit, non-zero, and distinct across
// mailbox recreations separated by at least an hour.
func uidValidityFor(now time.Time) uint32 {
	epoch2000 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	secs := now.Sub(epoch2000) / time.Second
	return uint32(secs / 3600)
}

// EnsureUIDValidity returns the mailbox's UIDVALIDITY, creating one on
// first sight.
func (s *Store) EnsureUIDValidity(ctx context.Context, account, mailbox string) (uint32, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.pool.Put(conn)

	var uidValidity uint32
	var err error
	defer sqlitex.Save(conn)(&err)

	var ok bool
	uidValidity, ok, err = readScalar(conn, account, mailbox, familyUIDValidity)
	if err != nil {
		return 0, err
	}
	if !ok {
		uidValidity = uidValidityFor(time.Now())
		if err = writeScalar(conn, account, mailbox, familyUIDValidity, uidValidity); err != nil {
			return 0, err
		}
	}
	return uidValidity, nil
}

// Synchronize reconciles the UID index for one mailbox against the
// authoritative set of backend ids currently present in it:
// create-or-read UIDVALIDITY, tombstone ids no longer present, assign
// UIDs to newly-seen ids, and return (uidValidity, uidNext).
//
// The whole operation runs inside one sqlitex.Save transaction; a
// partial failure rolls the transaction back and the caller sees a
// database-failure status (protoerr.DatabaseFailureErr).
func (s *Store) Synchronize(ctx context.Context, account, mailbox string, backendIDs []string) (uidValidity, uidNext uint32, err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, 0, context.Canceled
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	var ok bool
	uidValidity, ok, err = readScalar(conn, account, mailbox, familyUIDValidity)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		uidValidity = uidValidityFor(time.Now())
		if err = writeScalar(conn, account, mailbox, familyUIDValidity, uidValidity); err != nil {
			return 0, 0, err
		}
	}

	present := make(map[string]bool, len(backendIDs))
	for _, id := range backendIDs {
		present[id] = true
	}

	// Scan the jmap->uid family; anything absent from `present` is
	// tombstoned.
	var toDelete []struct {
		id  string
		uid uint32
	}
	{
		stmt := conn.Prep(`SELECT Key, Value FROM UidIndexEntries
			WHERE Account = $account AND Mailbox = $mailbox AND Family = $family
			ORDER BY Key;`)
		stmt.SetBytes("$account", []byte(account))
		stmt.SetBytes("$mailbox", []byte(mailbox))
		stmt.SetInt64("$family", int64(familyJmapToUID))
		for {
			hasRow, stepErr := stmt.Step()
			if stepErr != nil {
				stmt.Reset()
				return 0, 0, stepErr
			}
			if !hasRow {
				break
			}
			id := string(readBlob(stmt, "Key"))
			uidBuf := readBlob(stmt, "Value")
			if !present[id] {
				uid := uint32(0)
				if len(uidBuf) == 4 {
					uid = binary.BigEndian.Uint32(uidBuf)
				}
				toDelete = append(toDelete, struct {
					id  string
					uid uint32
				}{id, uid})
			} else {
				delete(present, id) // remaining `present` entries are new
			}
		}
		stmt.Reset()
	}

	now := time.Now().Unix()
	for _, d := range toDelete {
		if err = deleteForward(conn, account, mailbox, d.id); err != nil {
			return 0, 0, err
		}
		if err = deleteReverse(conn, account, mailbox, d.uid); err != nil {
			return 0, 0, err
		}
		if err = tombstone(conn, account, mailbox, d.id, d.uid, now); err != nil {
			return 0, 0, err
		}
	}

	uidNext, _, err = readScalar(conn, account, mailbox, familyUIDNext)
	if err != nil {
		return 0, 0, err
	}
	if uidNext == 0 {
		uidNext = 1 // UIDs start at 1; 0 is reserved as the "no uid_next yet" sentinel
	}

	// Remaining backendIDs in `present` weren't already indexed.
	for _, id := range backendIDs {
		if !present[id] {
			continue
		}
		uid := uidNext
		uidNext++
		if err = writeForward(conn, account, mailbox, id, uid); err != nil {
			return 0, 0, err
		}
		if err = writeReverse(conn, account, mailbox, uid, id); err != nil {
			return 0, 0, err
		}
	}
	if err = writeScalar(conn, account, mailbox, familyUIDNext, uidNext); err != nil {
		return 0, 0, err
	}

	return uidValidity, uidNext, nil
}

func writeForward(conn *sqlite.Conn, account, mailbox, backendID string, uid uint32) error {
	stmt := conn.Prep(`INSERT INTO UidIndexEntries (Account, Mailbox, Family, Key, Value)
		VALUES ($account, $mailbox, $family, $key, $value);`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(familyJmapToUID))
	stmt.SetBytes("$key", []byte(backendID))
	stmt.SetBytes("$value", be32(uid))
	_, err := stmt.Step()
	return err
}

func writeReverse(conn *sqlite.Conn, account, mailbox string, uid uint32, backendID string) error {
	stmt := conn.Prep(`INSERT INTO UidIndexEntries (Account, Mailbox, Family, Key, Value)
		VALUES ($account, $mailbox, $family, $key, $value);`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(familyUIDToJmap))
	stmt.SetBytes("$key", be32(uid))
	stmt.SetBytes("$value", []byte(backendID))
	_, err := stmt.Step()
	return err
}

func deleteForward(conn *sqlite.Conn, account, mailbox, backendID string) error {
	stmt := conn.Prep(`DELETE FROM UidIndexEntries
		WHERE Account = $account AND Mailbox = $mailbox AND Family = $family AND Key = $key;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(familyJmapToUID))
	stmt.SetBytes("$key", []byte(backendID))
	_, err := stmt.Step()
	return err
}

func deleteReverse(conn *sqlite.Conn, account, mailbox string, uid uint32) error {
	stmt := conn.Prep(`DELETE FROM UidIndexEntries
		WHERE Account = $account AND Mailbox = $mailbox AND Family = $family AND Key = $key;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(familyUIDToJmap))
	stmt.SetBytes("$key", be32(uid))
	_, err := stmt.Step()
	return err
}

func tombstone(conn *sqlite.Conn, account, mailbox, backendID string, uid uint32, now int64) error {
	stmt := conn.Prep(`INSERT INTO DeletionLog (Account, Mailbox, BackendID, UID, DeletedAt)
		VALUES ($account, $mailbox, $backendID, $uid, $now)
		ON CONFLICT (Account, Mailbox, BackendID) DO UPDATE SET UID = excluded.UID, DeletedAt = excluded.DeletedAt;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetBytes("$backendID", []byte(backendID))
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$now", now)
	_, err := stmt.Step()
	return err
}

// VanishedSince returns the UIDs tombstoned for this mailbox after
// sinceUnix, for QRESYNC's VANISHED (EARLIER) response.
func (s *Store) VanishedSince(ctx context.Context, account, mailbox string, sinceUnix int64) ([]uint32, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT UID FROM DeletionLog
		WHERE Account = $account AND Mailbox = $mailbox AND DeletedAt >= $since
		ORDER BY UID;`)
	defer stmt.Reset()
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$since", sinceUnix)

	var uids []uint32
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		uids = append(uids, uint32(stmt.GetInt64("UID")))
	}
	return uids, nil
}

// JmapToImap translates a list of backend ids into an IdMappings. When
// asUID is true a point lookup per id suffices. When sequence numbers are
// also wanted, the caller must additionally supply the session's ordered
// imap_uids projection (session package territory; uidindex itself has no
// notion of "currently visible" - see imap/session.Selected.Resolve).
//
// addMissing assigns fresh UIDs to ids not yet indexed (used by COPY and
// concurrent-insert detection).
func (s *Store) JmapToImap(ctx context.Context, account, mailbox string, ids []string, addMissing bool) (IdMappings, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return IdMappings{}, context.Canceled
	}
	defer s.pool.Put(conn)

	var mappings IdMappings
	var err error
	if addMissing {
		defer sqlitex.Save(conn)(&err)
	}

	for _, id := range ids {
		uid, found, lookupErr := lookupForward(conn, account, mailbox, id)
		if lookupErr != nil {
			return IdMappings{}, lookupErr
		}
		if !found {
			if !addMissing {
				continue
			}
			uid, err = assignOne(conn, account, mailbox, id)
			if err != nil {
				return IdMappings{}, err
			}
		}
		mappings.BackendIDs = append(mappings.BackendIDs, id)
		mappings.UIDs = append(mappings.UIDs, uid)
	}
	return mappings, nil
}

func lookupForward(conn *sqlite.Conn, account, mailbox, backendID string) (uint32, bool, error) {
	stmt := conn.Prep(`SELECT Value FROM UidIndexEntries
		WHERE Account = $account AND Mailbox = $mailbox AND Family = $family AND Key = $key;`)
	defer stmt.Reset()
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$family", int64(familyJmapToUID))
	stmt.SetBytes("$key", []byte(backendID))
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		return 0, false, err
	}
	buf := readBlob(stmt, "Value")
	if len(buf) != 4 {
		return 0, false, fmt.Errorf("uidindex: malformed uid row for %q", backendID)
	}
	return binary.BigEndian.Uint32(buf), true, nil
}

// assignOne bumps uid_next and writes both forward and reverse entries
// for a single newly-seen backend id.
func assignOne(conn *sqlite.Conn, account, mailbox, backendID string) (uint32, error) {
	uidNext, _, err := readScalar(conn, account, mailbox, familyUIDNext)
	if err != nil {
		return 0, err
	}
	if uidNext == 0 {
		uidNext = 1
	}
	uid := uidNext
	if err := writeForward(conn, account, mailbox, backendID, uid); err != nil {
		return 0, err
	}
	if err := writeReverse(conn, account, mailbox, uid, backendID); err != nil {
		return 0, err
	}
	if err := writeScalar(conn, account, mailbox, familyUIDNext, uid+1); err != nil {
		return 0, err
	}
	return uid, nil
}

// ImapToJmap is the mirror of JmapToImap, driven by UIDs.
func (s *Store) ImapToJmap(ctx context.Context, account, mailbox string, uids []uint32) (IdMappings, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return IdMappings{}, context.Canceled
	}
	defer s.pool.Put(conn)

	var mappings IdMappings
	for _, uid := range uids {
		stmt := conn.Prep(`SELECT Value FROM UidIndexEntries
			WHERE Account = $account AND Mailbox = $mailbox AND Family = $family AND Key = $key;`)
		stmt.SetBytes("$account", []byte(account))
		stmt.SetBytes("$mailbox", []byte(mailbox))
		stmt.SetInt64("$family", int64(familyUIDToJmap))
		stmt.SetBytes("$key", be32(uid))
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return IdMappings{}, err
		}
		if hasRow {
			id := string(readBlob(stmt, "Value"))
			mappings.BackendIDs = append(mappings.BackendIDs, id)
			mappings.UIDs = append(mappings.UIDs, uid)
		}
		stmt.Reset()
	}
	return mappings, nil
}

// DeleteMailbox removes every real-family entry for (account, mailbox);
// DeletionLog rows are left for the housekeeper to expire, since a
// destroyed mailbox's tombstones still matter to clients that haven't
// yet resynced.
func (s *Store) DeleteMailbox(ctx context.Context, account, mailbox string) (err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM UidIndexEntries WHERE Account = $account AND Mailbox = $mailbox AND Family <= $maxFamily;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$maxFamily", familyUIDValidity)
	_, err = stmt.Step()
	return err
}

// DeleteAccount removes every entry (index and deletion log) for account.
func (s *Store) DeleteAccount(ctx context.Context, account string) (err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM UidIndexEntries WHERE Account = $account;`)
	stmt.SetBytes("$account", []byte(account))
	if _, err = stmt.Step(); err != nil {
		return err
	}
	stmt = conn.Prep(`DELETE FROM DeletionLog WHERE Account = $account;`)
	stmt.SetBytes("$account", []byte(account))
	_, err = stmt.Step()
	return err
}

// PurgeTombstones deletes DeletionLog rows older than ttl, called
// periodically by the housekeeping ticker.
func (s *Store) PurgeTombstones(ctx context.Context, ttl time.Duration) (removed int, err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	cutoff := time.Now().Add(-ttl).Unix()
	stmt := conn.Prep(`DELETE FROM DeletionLog WHERE DeletedAt < $cutoff;`)
	stmt.SetInt64("$cutoff", cutoff)
	if _, err = stmt.Step(); err != nil {
		return 0, err
	}
	removed = conn.Changes()
	return removed, nil
}
