// Package engine implements the Transfer Engine (spec §4.5): the
// two-stage fetcher/uploader pipeline that drives one label at a time
// through a bounded queue backed by a shared, mutex-guarded cache.
//
// Grounded on danmarg-outtake's lib/gmail/gmail.go full()/incremental()
// producer/consumer shape (a goroutine feeding a channel, a second
// goroutine draining it, joined via a WaitGroup-style handshake) but
// re-targeted from its history-diff sync model — which this system
// drops as a Non-goal — to the fetch/cache/upload model spec §4.5
// describes. The per-message retry wrapper is built on internal/retry
// rather than a bespoke loop, per Design Notes §9.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gmig/gmig/internal/gmailsource"
	"github.com/gmig/gmig/internal/imapsink"
	"github.com/gmig/gmig/internal/label"
	"github.com/gmig/gmig/internal/progress"
)

const (
	// queueCapacity bounds the fetcher/uploader handoff (spec §4.5).
	queueCapacity = 100
	// queueTimeout is how long the uploader waits on an empty queue before
	// re-checking shutdown_requested (spec §5).
	queueTimeout = 30 * time.Second
	// joinTimeout bounds how long termination waits for each stage.
	joinTimeout = 10 * time.Second
	// maxConsecutiveTimeouts is the queue-idle streak that triggers a
	// diagnostic warning (spec §4.5 Stage U).
	maxConsecutiveTimeouts = 10

	// defaultBatchSize is the fetcher's default batch size (spec §6).
	defaultBatchSize = 50
	// defaultProgressSaveInterval is the default uploads-per-flush cadence.
	defaultProgressSaveInterval = 50
)

// Fetcher is the subset of the Gmail Source the engine consumes.
type Fetcher interface {
	FetchBatch(refs []label.Ref) map[label.Ref]gmailsource.RawMessage
	FetchSingle(ref label.Ref) (gmailsource.RawMessage, bool)
}

// Uploader is the subset of the IMAP Sink the engine consumes.
type Uploader interface {
	Append(folder string, raw []byte, flags []label.Flag, internalDate time.Time) error
}

// Stats reports the shared cache counters for external progress display.
type Stats struct {
	CacheHits   int64
	CacheMisses int64
}

// queueItem is one unit of fetcher/uploader handoff, or the end-of-stream
// sentinel (spec §4.5).
type queueItem struct {
	ref    label.Ref
	label  string
	folder string
	end    bool
}

// Engine drives one label at a time through the fetch/cache/upload
// pipeline. Labels are processed strictly sequentially (spec §5); a
// single Engine value is never used for two labels concurrently.
type Engine struct {
	source   Fetcher
	sink     Uploader
	progress *progress.Store
	log      *logrus.Entry

	batchSize            int
	progressSaveInterval int

	mu          sync.Mutex
	cache       map[label.Ref]gmailsource.RawMessage
	cacheHits   int64
	cacheMisses int64

	shutdown atomic.Bool
}

// Option configures an Engine's tunables away from their spec defaults.
type Option func(*Engine)

// WithBatchSize overrides the fetcher batch size (spec settings.batch_size).
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithProgressSaveInterval overrides the flush cadence
// (spec settings.progress_save_interval).
func WithProgressSaveInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressSaveInterval = n
		}
	}
}

// New builds an Engine around the given source/sink/progress store.
func New(source Fetcher, sink Uploader, store *progress.Store, log *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		source:               source,
		sink:                 sink,
		progress:             store,
		log:                  log,
		batchSize:            defaultBatchSize,
		progressSaveInterval: defaultProgressSaveInterval,
		cache:                map[label.Ref]gmailsource.RawMessage{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestShutdown flips the shared shutdown flag both stages observe at
// their natural check-points (spec §5). Safe to call from a signal
// handler external to this package.
func (e *Engine) RequestShutdown() {
	e.shutdown.Store(true)
}

// ShuttingDown reports the current value of the shutdown flag.
func (e *Engine) ShuttingDown() bool {
	return e.shutdown.Load()
}

// Stats returns a snapshot of the shared cache counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{CacheHits: e.cacheHits, CacheMisses: e.cacheMisses}
}

// Reset clears the shared message cache. Called on every TransferLabel
// exit path (spec §5): a label's cached messages must not linger into
// the next label's run, whether the pipeline finished cleanly or a
// fetched-but-unappended message was left behind by a permanent error.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = map[label.Ref]gmailsource.RawMessage{}
}

// TransferLabel drives one label's messages through the pipeline to
// completion (or to a shutdown-induced drain) and returns any error the
// uploader stage surfaced. The shared cache is reset on every exit path,
// including an early join timeout: a permanently-failed append (logged
// and skipped by runUploader, never evicted individually) must not go on
// occupying memory once the label it belongs to is done.
func (e *Engine) TransferLabel(labelID, folder string, ids []label.Ref) error {
	e.progress.SetCurrentLabel(labelID)
	e.progress.Flush(false)
	defer e.Reset()

	queue := make(chan queueItem, queueCapacity)
	fetcherDone := make(chan struct{})
	uploaderDone := make(chan error, 1)

	go func() {
		defer close(fetcherDone)
		e.runFetcher(labelID, folder, ids, queue)
	}()
	go e.runUploader(queue, uploaderDone)

	waitWithTimeout(fetcherDone, joinTimeout, func() {
		e.log.WithField("label", labelID).Warn("engine: fetcher did not finish within join timeout")
	})

	var uploadErr error
	select {
	case uploadErr = <-uploaderDone:
	case <-time.After(joinTimeout):
		e.log.WithField("label", labelID).Warn("engine: uploader did not finish within join timeout")
	}

	e.progress.Flush(true)
	e.progress.CompleteLabel()
	return uploadErr
}

func waitWithTimeout(done <-chan struct{}, timeout time.Duration, onTimeout func()) {
	select {
	case <-done:
	case <-time.After(timeout):
		onTimeout()
	}
}

// runFetcher implements Stage F (spec §4.5). It always enqueues the
// end-of-stream sentinel, even on panic, so the uploader can drain and
// exit rather than block forever on an empty queue past its timeout.
func (e *Engine) runFetcher(labelID, folder string, ids []label.Ref, queue chan<- queueItem) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("label", labelID).Errorf("engine: fetcher panicked: %v", r)
		}
		queue <- queueItem{end: true}
	}()

	for start := 0; start < len(ids); start += e.batchSize {
		if e.shutdown.Load() {
			return
		}
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		var toFetch []label.Ref
		for _, ref := range batch {
			if e.progress.IsTransferred(labelID, string(ref)) {
				continue
			}
			if !e.cacheHas(ref) {
				toFetch = append(toFetch, ref)
			}
		}

		if len(toFetch) > 0 {
			fetched := e.source.FetchBatch(toFetch)
			e.mu.Lock()
			for ref, rm := range fetched {
				e.cache[ref] = rm
				e.cacheMisses++
			}
			e.mu.Unlock()
		}

		for _, ref := range batch {
			if e.progress.IsTransferred(labelID, string(ref)) {
				continue
			}
			queue <- queueItem{ref: ref, label: labelID, folder: folder}
		}
	}
}

func (e *Engine) cacheHas(ref label.Ref) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cache[ref]
	return ok
}

func (e *Engine) cacheGet(ref label.Ref) (gmailsource.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rm, ok := e.cache[ref]
	if ok {
		e.cacheHits++
	}
	return rm, ok
}

func (e *Engine) cacheEvict(ref label.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, ref)
}

// runUploader implements Stage U (spec §4.5).
func (e *Engine) runUploader(queue <-chan queueItem, done chan<- error) {
	uploadsSinceFlush := 0
	consecutiveTimeouts := 0

	for {
		select {
		case item := <-queue:
			consecutiveTimeouts = 0
			if item.end {
				done <- nil
				return
			}
			if e.shutdown.Load() {
				continue
			}
			if e.progress.IsTransferred(item.label, string(item.ref)) {
				continue
			}

			rm, ok := e.cacheGet(item.ref)
			if !ok {
				rm, ok = e.source.FetchSingle(item.ref)
				if !ok {
					e.log.WithField("ref", item.ref).Warn("engine: message vanished between fetch and upload, skipping")
					continue
				}
			}

			if err := e.appendWithRetry(item.folder, rm); err != nil {
				e.log.WithFields(logrus.Fields{"label": item.label, "ref": item.ref}).
					WithError(err).Error("engine: append failed, will retry on a later run")
				continue
			}

			e.progress.MarkTransferred(item.label, string(item.ref))
			e.cacheEvict(item.ref)

			uploadsSinceFlush++
			if uploadsSinceFlush >= e.progressSaveInterval {
				e.progress.Flush(false)
				uploadsSinceFlush = 0
			}

		case <-time.After(queueTimeout):
			consecutiveTimeouts++
			if consecutiveTimeouts >= maxConsecutiveTimeouts {
				e.log.Warn("engine: uploader queue idle for 10 consecutive timeouts")
			}
			if e.shutdown.Load() {
				done <- nil
				return
			}
		}
	}
}

// appendWithRetry implements the cross-cutting retry wrapper of spec
// §4.5: 3 attempts, 2^attempt second backoff, retried on the same
// transport-fault predicate the sink itself recycles sessions on. This
// reuses imapsink.RetryPolicy rather than a second ad hoc "retry
// everything" policy, so a permanent per-message append error (a
// malformed date, a rejected mailbox name) surfaces immediately instead
// of being retried three times for nothing.
func (e *Engine) appendWithRetry(folder string, rm gmailsource.RawMessage) error {
	policy := imapsink.RetryPolicy()
	return policy.Do(context.Background(), func() error {
		return e.sink.Append(folder, rm.Raw, rm.Flags, rm.InternalDate)
	})
}
