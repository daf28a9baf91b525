package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gmig/gmig/internal/gmailsource"
	"github.com/gmig/gmig/internal/label"
	"github.com/gmig/gmig/internal/progress"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func testStore(t *testing.T) *progress.Store {
	t.Helper()
	return progress.Load(filepath.Join(t.TempDir(), "progress.json"), testLogger())
}

// fakeFetcher serves FetchBatch/FetchSingle from a fixed map, counting calls.
type fakeFetcher struct {
	messages map[label.Ref]gmailsource.RawMessage

	mu             sync.Mutex
	batchCalls  int
	singleCalls int
}

func (f *fakeFetcher) FetchBatch(refs []label.Ref) map[label.Ref]gmailsource.RawMessage {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	out := map[label.Ref]gmailsource.RawMessage{}
	for _, r := range refs {
		if rm, ok := f.messages[r]; ok {
			out[r] = rm
		}
	}
	return out
}

func (f *fakeFetcher) FetchSingle(ref label.Ref) (gmailsource.RawMessage, bool) {
	f.mu.Lock()
	f.singleCalls++
	f.mu.Unlock()
	rm, ok := f.messages[ref]
	return rm, ok
}

// appendCall records one observed Append invocation for assertions.
type appendCall struct {
	folder string
	raw    string
	flags  []label.Flag
}

// fakeUploader records every Append call and can be scripted to fail the
// first N attempts for a given folder before succeeding. failErr is the
// error returned on those attempts; appendWithRetry only retries errors
// matching the transport-fault markers imapsink.RetryPolicy classifies
// on, so tests that want a retry must use one of those markers.
type fakeUploader struct {
	mu        sync.Mutex
	calls     []appendCall
	failUntil int
	failErr   error
	attempts  int
}

func (u *fakeUploader) Append(folder string, raw []byte, flags []label.Flag, internalDate time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts++
	if u.attempts <= u.failUntil {
		if u.failErr != nil {
			return u.failErr
		}
		return fmt.Errorf("simulated connection reset")
	}
	u.calls = append(u.calls, appendCall{folder: folder, raw: string(raw), flags: flags})
	return nil
}

// TestTransferLabelDeliversAllMessages exercises a full label transfer
// end-to-end: three messages with preset flags, all appended once and
// marked transferred.
func TestTransferLabelDeliversAllMessages(t *testing.T) {
	fetcher := &fakeFetcher{messages: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a"), Flags: []label.Flag{label.Seen, label.Flagged}},
		"b": {Raw: []byte("M_b")},
		"c": {Raw: []byte("M_c"), Flags: []label.Flag{label.Seen}},
	}}
	uploader := &fakeUploader{}
	store := testStore(t)

	e := New(fetcher, uploader, store, testLogger())
	if err := e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a", "b", "c"}); err != nil {
		t.Fatalf("TransferLabel: %v", err)
	}

	if len(uploader.calls) != 3 {
		t.Fatalf("got %d appends, want 3 (calls: %+v)", len(uploader.calls), uploader.calls)
	}
	for _, ref := range []string{"a", "b", "c"} {
		if !store.IsTransferred("L1", ref) {
			t.Errorf("expected %q to be marked transferred", ref)
		}
	}
}

// TestTransferLabelResumesFromProgressStore verifies resume behavior:
// messages already recorded as transferred are never re-appended.
func TestTransferLabelResumesFromProgressStore(t *testing.T) {
	fetcher := &fakeFetcher{messages: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a")},
		"b": {Raw: []byte("M_b")},
		"c": {Raw: []byte("M_c")},
	}}
	uploader := &fakeUploader{}
	store := testStore(t)
	store.MarkTransferred("L1", "a")
	store.MarkTransferred("L1", "b")

	e := New(fetcher, uploader, store, testLogger())
	if err := e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a", "b", "c"}); err != nil {
		t.Fatalf("TransferLabel: %v", err)
	}

	if len(uploader.calls) != 1 || uploader.calls[0].raw != "M_c" {
		t.Fatalf("got appends %+v, want exactly one append of M_c", uploader.calls)
	}
}

// TestTransferLabelRetriesTransientAppendFailures exercises the
// cross-cutting retry wrapper: a connection-reset failure (a transport
// fault) on the first two attempts, succeeding on the third, must still
// result in exactly one delivered message, no duplicate mark.
func TestTransferLabelRetriesTransientAppendFailures(t *testing.T) {
	fetcher := &fakeFetcher{messages: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a")},
	}}
	uploader := &fakeUploader{failUntil: 2}
	store := testStore(t)

	e := New(fetcher, uploader, store, testLogger(), WithBatchSize(50))
	if err := e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a"}); err != nil {
		t.Fatalf("TransferLabel: %v", err)
	}
	if len(uploader.calls) != 1 {
		t.Fatalf("got %d delivered appends, want 1", len(uploader.calls))
	}
	if !store.IsTransferred("L1", "a") {
		t.Fatal("expected a to be marked transferred after the retried append succeeded")
	}
}

// TestTransferLabelDoesNotRetryPermanentAppendFailures verifies that an
// append error which isn't a transport fault (a rejected message, not a
// dropped connection) is surfaced after one attempt rather than retried
// three times for no reason, and the message is left unmarked so a later
// run can pick it up.
func TestTransferLabelDoesNotRetryPermanentAppendFailures(t *testing.T) {
	fetcher := &fakeFetcher{messages: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a")},
	}}
	uploader := &fakeUploader{failUntil: 1, failErr: fmt.Errorf("mailbox rejected malformed message")}
	store := testStore(t)

	e := New(fetcher, uploader, store, testLogger())
	if err := e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a"}); err != nil {
		t.Fatalf("TransferLabel: %v", err)
	}
	if uploader.attempts != 1 {
		t.Fatalf("got %d append attempts, want exactly 1 (no retry on a permanent error)", uploader.attempts)
	}
	if store.IsTransferred("L1", "a") {
		t.Fatal("a permanent append failure must not be marked transferred")
	}
}

// TestTransferLabelSkipsShutdown verifies that a shutdown requested before
// the pipeline starts drains without performing any appends.
func TestTransferLabelSkipsShutdown(t *testing.T) {
	fetcher := &fakeFetcher{messages: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a")},
	}}
	uploader := &fakeUploader{}
	store := testStore(t)

	e := New(fetcher, uploader, store, testLogger())
	e.RequestShutdown()

	done := make(chan error, 1)
	go func() { done <- e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a"}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("TransferLabel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TransferLabel did not return promptly after a pre-set shutdown flag")
	}
	if len(uploader.calls) != 0 {
		t.Fatalf("expected no appends once shutdown_requested was set, got %d", len(uploader.calls))
	}
}

// batchMissFetcher simulates a fetch stage that never resolved a ref in
// its batch (e.g. a partial fetch_batch result) but still has it
// available via a direct single-message lookup.
type batchMissFetcher struct {
	single map[label.Ref]gmailsource.RawMessage
}

func (f *batchMissFetcher) FetchBatch(refs []label.Ref) map[label.Ref]gmailsource.RawMessage {
	return map[label.Ref]gmailsource.RawMessage{}
}

func (f *batchMissFetcher) FetchSingle(ref label.Ref) (gmailsource.RawMessage, bool) {
	rm, ok := f.single[ref]
	return rm, ok
}

// TestCacheMissFallbackFetchesSingle exercises the uploader's Stage U
// cache-miss fallback: a ref the fetcher never resolved (partial batch)
// is still delivered via FetchSingle.
func TestCacheMissFallbackFetchesSingle(t *testing.T) {
	fetcher := &batchMissFetcher{single: map[label.Ref]gmailsource.RawMessage{
		"a": {Raw: []byte("M_a")},
	}}
	uploader := &fakeUploader{}
	store := testStore(t)

	e := New(fetcher, uploader, store, testLogger())
	if err := e.TransferLabel("L1", "INBOX.Work", []label.Ref{"a"}); err != nil {
		t.Fatalf("TransferLabel: %v", err)
	}
	if len(uploader.calls) != 1 {
		t.Fatalf("got %d appends, want 1", len(uploader.calls))
	}
}
