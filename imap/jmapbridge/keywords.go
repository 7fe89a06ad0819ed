package jmapbridge

import (
	"sort"
	"strings"
)

// imapFlagToKeyword translates an IMAP flag atom into the JMAP keyword
// RFC 8621 Section 4.1.1 pairs it with. \Deleted maps to the "$deleted"
// keyword bridgeMailbox.Expunge later scans for: the backend does not
// remove a message from a mailbox until EXPUNGE actually runs, matching
// RFC 3501's two-step delete-then-expunge contract. \Recent has no JMAP
// counterpart — it is a session-local concept the backend never stores.
func imapFlagToKeyword(flag string) (string, bool) {
	switch strings.ToLower(flag) {
	case `\seen`:
		return "$seen", true
	case `\answered`:
		return "$answered", true
	case `\flagged`:
		return "$flagged", true
	case `\draft`:
		return "$draft", true
	case `\deleted`:
		return "$deleted", true
	case `\recent`:
		return "", false
	default:
		// Custom keywords (e.g. $Forwarded, $Junk, or a client-defined
		// atom) pass through case-folded, the way JMAP keywords are
		// always lowercase.
		return strings.ToLower(flag), true
	}
}

// keywordToImapFlag is imapFlagToKeyword's inverse for the well-known
// system keywords; anything else is surfaced to the client verbatim as a
// keyword flag.
func keywordToImapFlag(keyword string) string {
	switch keyword {
	case "$seen":
		return `\Seen`
	case "$answered":
		return `\Answered`
	case "$flagged":
		return `\Flagged`
	case "$draft":
		return `\Draft`
	default:
		return keyword
	}
}

// keywordsToFlags renders a JMAP keyword set as a sorted IMAP flag list.
func keywordsToFlags(keywords map[string]bool) []string {
	flags := make([]string, 0, len(keywords))
	for kw, set := range keywords {
		if !set {
			continue
		}
		flags = append(flags, keywordToImapFlag(kw))
	}
	sort.Strings(flags)
	return flags
}
