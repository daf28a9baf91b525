// Package foldermap implements the deterministic label-to-folder naming
// function described in spec §4.4.
package foldermap

import "strings"

// gmailArchivePrefix is stripped defensively from display names that still
// carry it; overrides should normally cover these, but a raw label name
// sometimes slips through unconfigured. The separator replacement below
// runs first, so by the time this check happens the literal "/" is already
// gone and has become "_".
const gmailArchivePrefix = "[Gmail]_"

// Mapper resolves a label's display name to an IMAP folder name, applying
// configured overrides first.
type Mapper struct {
	// Overrides maps a label display name verbatim to a destination folder
	// name (settings.label_mappings in the config file).
	Overrides map[string]string
}

// New returns a Mapper using the given override table. A nil table is
// treated as empty.
func New(overrides map[string]string) *Mapper {
	if overrides == nil {
		overrides = map[string]string{}
	}
	return &Mapper{Overrides: overrides}
}

// Folder resolves displayName to its destination folder name.
func (m *Mapper) Folder(displayName string) string {
	if folder, ok := m.Overrides[displayName]; ok {
		return folder
	}
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(displayName)
	name = strings.TrimPrefix(name, gmailArchivePrefix)
	return strings.TrimSpace(name)
}
