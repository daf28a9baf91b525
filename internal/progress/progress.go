// Package progress implements the durable resume state described in
// spec §4.1: a JSON document keyed by (label, MessageRef), flushed
// atomically so a crash never leaves a torn file behind.
package progress

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultFlushInterval is the minimum time between non-forced flushes.
const defaultFlushInterval = 30 * time.Second

// record is the on-disk shape of the Progress Store. Field names are part
// of the external interface (spec §6) and must not change.
type record struct {
	SessionID           string              `json:"session_id"`
	TotalLabels         int                 `json:"total_labels"`
	CompletedLabels     int                 `json:"completed_labels"`
	CurrentLabel        string              `json:"current_label"`
	TransferredMessages map[string][]string `json:"transferred_messages"`
	LabelFolderMapping  map[string]string   `json:"label_folder_mapping"`
}

// Store is the Progress Store. All exported methods are safe for
// concurrent use; the engine's fetcher and uploader stages both read it,
// only the uploader mutates it.
type Store struct {
	path string
	log  *logrus.Entry

	mu          sync.Mutex
	rec         record
	transferred map[string]map[string]struct{} // label -> set of MessageRef, mirrors rec.TransferredMessages
	lastFlush   time.Time
	dirty       bool
}

// Load reads the state file at path, creating a fresh empty record if it
// is absent or unparseable (spec §4.1 failure behaviour).
func Load(path string, log *logrus.Entry) *Store {
	s := &Store{
		path: path,
		log:  log,
		rec: record{
			SessionID:           time.Now().UTC().Format(time.RFC3339),
			TransferredMessages: map[string][]string{},
			LabelFolderMapping:  map[string]string{},
		},
		transferred: map[string]map[string]struct{}{},
		lastFlush:   time.Now(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("progress: could not read state file, starting fresh")
		}
		return s
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithError(err).Warn("progress: state file is corrupt, starting fresh")
		return s
	}

	if rec.TransferredMessages == nil {
		rec.TransferredMessages = map[string][]string{}
	}
	if rec.LabelFolderMapping == nil {
		rec.LabelFolderMapping = map[string]string{}
	}
	s.rec = rec
	for l, refs := range rec.TransferredMessages {
		set := make(map[string]struct{}, len(refs))
		for _, r := range refs {
			set[r] = struct{}{}
		}
		s.transferred[l] = set
	}
	return s
}

// IsTransferred is a constant-time membership check.
func (s *Store) IsTransferred(label, ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transferred[label][ref]
	return ok
}

// MarkTransferred idempotently records that (label, ref) has been
// APPENDed successfully. It does not itself flush.
func (s *Store) MarkTransferred(label, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.transferred[label]
	if !ok {
		set = map[string]struct{}{}
		s.transferred[label] = set
	}
	if _, already := set[ref]; already {
		return
	}
	set[ref] = struct{}{}
	s.rec.TransferredMessages[label] = append(s.rec.TransferredMessages[label], ref)
	s.dirty = true
}

// TransferredCount returns how many refs are recorded for label, used only
// for reporting.
func (s *Store) TransferredCount(label string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transferred[label])
}

// SetCurrentLabel records the label whose transfer is in flight.
func (s *Store) SetCurrentLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.CurrentLabel = label
	s.dirty = true
}

// CompleteLabel clears the in-flight label pointer and advances the
// completed-label counter. This is a reporting counter only; resume
// correctness never depends on it (see DESIGN.md open question).
func (s *Store) CompleteLabel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.CurrentLabel = ""
	s.rec.CompletedLabels++
	s.dirty = true
}

// SetTotalLabels records the total label count for reporting.
func (s *Store) SetTotalLabels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.TotalLabels = n
	s.dirty = true
}

// SetFolderMapping persists the {label.id -> folder_name} mapping built
// for this run. Built once per run; never mutated thereafter.
func (s *Store) SetFolderMapping(mapping map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.LabelFolderMapping = mapping
	s.dirty = true
}

// FolderMapping returns the persisted {label.id -> folder_name} mapping
// from the most recent run, if any.
func (s *Store) FolderMapping() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rec.LabelFolderMapping))
	for k, v := range s.rec.LabelFolderMapping {
		out[k] = v
	}
	return out
}

// Flush writes the record to disk if force is set, or if there are
// unsaved changes and the time since the last flush has reached
// defaultFlushInterval. A write failure is logged
// and does not abort the run; the in-memory state remains authoritative
// until the next flush succeeds.
func (s *Store) Flush(force bool) {
	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return
	}
	if !force && time.Since(s.lastFlush) < defaultFlushInterval {
		s.mu.Unlock()
		return
	}
	data, err := json.MarshalIndent(s.rec, "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Error("progress: failed to marshal state")
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.log.WithError(err).Error("progress: failed to write temp state file")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.WithError(err).Error("progress: failed to rename state file into place")
		return
	}

	s.mu.Lock()
	s.lastFlush = time.Now()
	s.dirty = false
	s.mu.Unlock()
}
