// Package label defines the data shared by every component that deals in
// Gmail labels and the messages that carry them.
package label

// Kind distinguishes a user-created label from a Gmail system label.
type Kind int

const (
	// User is a label the account owner created.
	User Kind = iota
	// System is a label Gmail itself manages (INBOX, STARRED, CHAT, ...).
	System
)

// Label is a tag on a Gmail message. It defines both the set of messages to
// transfer and (via the Folder Mapper) the destination IMAP folder name.
type Label struct {
	// ID is the opaque identifier the Gmail API uses.
	ID string
	// Name is the human-readable display name, which may contain "/".
	Name string
	Kind Kind
}

// Ref is an opaque message identifier scoped to the source account. It is
// the only identity used for deduplication and resume.
type Ref string

// systemSkip lists the system label IDs that are filtered out of the
// transfer set (spec.md §6).
var systemSkip = map[string]bool{
	"CHAT":                true,
	"CATEGORY_FORUMS":     true,
	"CATEGORY_UPDATES":    true,
	"CATEGORY_PROMOTIONS": true,
	"CATEGORY_SOCIAL":     true,
}

// Transferable reports whether l belongs in the transfer set. Every label
// not named in systemSkip is transferred, configured or not.
func Transferable(l Label) bool {
	return !systemSkip[l.ID]
}

// Flag is one of the two IMAP flags this system preserves.
type Flag string

const (
	Seen    Flag = "\\Seen"
	Flagged Flag = "\\Flagged"
)
