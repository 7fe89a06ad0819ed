// Package sieve declares the ManageSieve dispatch contract the IMAP
// frontend would call into if a connection ever negotiated Sieve script
// management. Script parsing and execution live elsewhere; the
// frontend only needs a named collaborator type to hold the place in
// its DataStore wiring.
package sieve

import "context"

// Dispatcher is the seam a real ManageSieve implementation would satisfy.
// imapfrontd never constructs a non-nil Dispatcher itself; it only checks
// for one so that a future build can wire a real implementation in
// without touching the IMAP command layer.
type Dispatcher interface {
	// HaveSpace reports whether accountID has room for one more script of
	// the given size, per the ManageSieve PUTSCRIPT quota check.
	HaveSpace(ctx context.Context, accountID string, size int64) (bool, error)

	// ListScripts returns the names of scripts installed for accountID.
	ListScripts(ctx context.Context, accountID string) ([]string, error)
}
