package uidindex

import (
	"context"

	"crawshaw.io/sqlite/sqlitex"
)

// StateToModSeq derives the 32-bit CONDSTORE mod-sequence for the backend's
// opaque state token, assigning a fresh one (one greater than any prior
// mod-sequence for this mailbox) the first time the token is seen. The
// mapping is monotonic within a mailbox's lifetime: tokens are never
// reassigned a smaller mod-sequence.
func (s *Store) StateToModSeq(ctx context.Context, account, mailbox, token string) (modSeq int64, err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`SELECT ModSeq FROM ModSeqTokens
		WHERE Account = $account AND Mailbox = $mailbox AND Token = $token;`)
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetText("$token", token)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		modSeq = stmt.GetInt64("ModSeq")
		stmt.Reset()
		return modSeq, nil
	}
	stmt.Reset()

	next := conn.Prep(`SELECT Next FROM ModSeqCounters WHERE Account = $account AND Mailbox = $mailbox;`)
	next.SetBytes("$account", []byte(account))
	next.SetBytes("$mailbox", []byte(mailbox))
	hasRow, err = next.Step()
	if err != nil {
		return 0, err
	}
	modSeq = 1
	if hasRow {
		modSeq = next.GetInt64("Next")
	}
	next.Reset()

	ins := conn.Prep(`INSERT INTO ModSeqTokens (Account, Mailbox, Token, ModSeq) VALUES ($account, $mailbox, $token, $modSeq);`)
	ins.SetBytes("$account", []byte(account))
	ins.SetBytes("$mailbox", []byte(mailbox))
	ins.SetText("$token", token)
	ins.SetInt64("$modSeq", modSeq)
	if _, err = ins.Step(); err != nil {
		return 0, err
	}

	upd := conn.Prep(`INSERT INTO ModSeqCounters (Account, Mailbox, Next) VALUES ($account, $mailbox, $nextVal)
		ON CONFLICT (Account, Mailbox) DO UPDATE SET Next = excluded.Next;`)
	upd.SetBytes("$account", []byte(account))
	upd.SetBytes("$mailbox", []byte(mailbox))
	upd.SetInt64("$nextVal", modSeq+1)
	_, err = upd.Step()
	return modSeq, err
}

// ModSeqToState is the mirror lookup, used by QRESYNC to translate a
// client-supplied mod-sequence back into the backend state token it was
// minted from.
func (s *Store) ModSeqToState(ctx context.Context, account, mailbox string, modSeq int64) (token string, ok bool, err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return "", false, context.Canceled
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT Token FROM ModSeqTokens
		WHERE Account = $account AND Mailbox = $mailbox AND ModSeq = $modSeq;`)
	defer stmt.Reset()
	stmt.SetBytes("$account", []byte(account))
	stmt.SetBytes("$mailbox", []byte(mailbox))
	stmt.SetInt64("$modSeq", modSeq)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		return "", false, err
	}
	return stmt.GetText("Token"), true, nil
}
