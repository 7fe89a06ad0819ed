package uidindex

// createSQL is the schema for the UID Index store.
//
// The four logical families (jmap->uid, uid->jmap,
// uid_next, uid_validity) share one table keyed by (Account, Mailbox,
// Family, Key); SQLite's BLOB PRIMARY KEY ordering is byte-lexicographic,
// so a prefix scan on (Account, Mailbox, Family) yields one family's
// entries in key order without a second index.
//
// DeletionLog holds tombstoned backend-id -> uid mappings so a QRESYNC
// client can still be told about messages that vanished before it
// reconnected; Housekeeper.PurgeTombstones removes rows past their TTL.
const createSQL = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS UidIndexEntries (
	Account BLOB NOT NULL,
	Mailbox BLOB NOT NULL,
	Family  INTEGER NOT NULL,
	Key     BLOB NOT NULL,
	Value   BLOB NOT NULL,
	PRIMARY KEY (Account, Mailbox, Family, Key)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS DeletionLog (
	Account   BLOB NOT NULL,
	Mailbox   BLOB NOT NULL,
	BackendID BLOB NOT NULL,
	UID       INTEGER NOT NULL,
	DeletedAt INTEGER NOT NULL,
	PRIMARY KEY (Account, Mailbox, BackendID)
) WITHOUT ROWID;

-- ModSeqTokens maps the backend's opaque per-account state token to a
-- 32-bit, per-mailbox, monotonically increasing CONDSTORE mod-sequence.
-- The token is the key, not a locally-generated counter: the
-- mod-sequence source of truth is the JMAP-shaped backend.
CREATE TABLE IF NOT EXISTS ModSeqTokens (
	Account BLOB NOT NULL,
	Mailbox BLOB NOT NULL,
	Token   TEXT NOT NULL,
	ModSeq  INTEGER NOT NULL,
	PRIMARY KEY (Account, Mailbox, Token)
);

CREATE TABLE IF NOT EXISTS ModSeqCounters (
	Account BLOB NOT NULL,
	Mailbox BLOB NOT NULL,
	Next    INTEGER NOT NULL,
	PRIMARY KEY (Account, Mailbox)
);
`
