package sync

import "github.com/quillchat/quillsync/store"

// TieBreak selects the winner when local and remote carry the exact same
// updated_at. The default treats the backend clock as canonical; it is a
// policy point, not a law, so hosts can flip it.
type TieBreak int

const (
	PreferRemote TieBreak = iota
	PreferLocal
)

// Policy configures conflict resolution.
type Policy struct {
	TieBreak TieBreak
}

// Outcome reports which side Resolve picked.
type Outcome int

const (
	// OutcomeRemoteApplied: the remote document replaces the local record.
	OutcomeRemoteApplied Outcome = iota
	// OutcomeLocalKept: the local record wins; nothing is written.
	OutcomeLocalKept
	// OutcomeTie: timestamps were exactly equal; the policy decided.
	// Worth logging, never an error.
	OutcomeTie
)

// Resolve merges an incoming remote record with the local one, if any.
// Last-write-wins by updated_at: a local record with a strictly newer
// clock is retained untouched, which keeps an un-pushed local edit from
// being dropped by an older remote echo. When the remote side wins it
// replaces the domain fields entirely, but the local record's correlation
// key and creation time are preserved. Pure and deterministic: identical
// inputs always produce identical output.
func Resolve(p Policy, local *store.Record, remote store.Record) (store.Record, Outcome) {
	remote.SyncStatus = store.StatusSynced
	remote.RetryCount = 0

	if local == nil {
		return remote, OutcomeRemoteApplied
	}

	remote.LocalKey = local.LocalKey
	remote.CreatedAt = local.CreatedAt

	switch {
	case local.UpdatedAt > remote.UpdatedAt:
		return *local, OutcomeLocalKept
	case local.UpdatedAt < remote.UpdatedAt:
		return remote, OutcomeRemoteApplied
	}

	if p.TieBreak == PreferLocal {
		return *local, OutcomeTie
	}
	return remote, OutcomeTie
}
