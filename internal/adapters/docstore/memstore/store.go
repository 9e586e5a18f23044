// Package memstore is an in-process docstore.Store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/feed"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	backendName           = "memory"
	defaultMaxAttempts    = 16
	defaultMetricsRefresh = 5 * time.Second
	maxBackoff            = 2 * time.Millisecond
)

// Store keeps documents in nested maps keyed by collection path and id.
type Store struct {
	mu      sync.RWMutex
	colls   map[string]map[string]*docstore.Document
	version uint64
	closed  bool

	clock       *docstore.Clock
	hub         *feed.Hub
	ownsHub     bool
	maxAttempts int
	refresh     time.Duration
	logger      logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)

// New returns an empty store and starts its metrics updater.
func New(opts ...Option) *Store {
	s := &Store{
		colls:       make(map[string]map[string]*docstore.Document),
		clock:       docstore.NewClock(),
		maxAttempts: defaultMaxAttempts,
		refresh:     defaultMetricsRefresh,
		logger:      logger.Get().Named("memstore"),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = feed.NewHub()
		s.ownsHub = true
	}

	s.wg.Add(1)
	go s.metricsLoop()
	return s
}

// Hub exposes the watch hub changes are published to.
func (s *Store) Hub() *feed.Hub { return s.hub }

func (s *Store) metricsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			metrics.UpdateStoreDocuments(backendName, s.Len())
		}
	}
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.colls {
		n += len(c)
	}
	return n
}

func observe(op string, start time.Time) {
	metrics.RecordStoreOp(backendName, op, float64(time.Since(start).Microseconds())/1000)
}

// lookupLocked returns the stored document or nil. Callers hold mu.
func (s *Store) lookupLocked(ref docstore.DocRef) *docstore.Document {
	return s.colls[ref.Parent.Path()][ref.ID]
}

func (s *Store) Get(_ context.Context, ref docstore.DocRef) (*docstore.Document, error) {
	defer observe("get", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	doc := s.lookupLocked(ref)
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return doc.Clone(), nil
}

func (s *Store) Query(_ context.Context, q docstore.Query) ([]*docstore.Document, error) {
	defer observe("query", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.queryLocked(q), nil
}

func (s *Store) queryLocked(q docstore.Query) []*docstore.Document {
	coll := s.colls[q.Collection.Path()]
	docs := make([]*docstore.Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, d)
	}
	docs = q.Run(docs)
	for i, d := range docs {
		docs[i] = d.Clone()
	}
	return docs
}

func (s *Store) Add(ctx context.Context, coll docstore.CollectionRef, data map[string]any) (docstore.DocRef, error) {
	ref := coll.NewDoc()
	if err := s.Create(ctx, ref, data); err != nil {
		return docstore.DocRef{}, err
	}
	return ref, nil
}

func (s *Store) Create(ctx context.Context, ref docstore.DocRef, data map[string]any) error {
	return s.Batch().Create(ref, data).Commit(ctx)
}

func (s *Store) Set(ctx context.Context, ref docstore.DocRef, data map[string]any) error {
	return s.Batch().Set(ref, data).Commit(ctx)
}

func (s *Store) Update(ctx context.Context, ref docstore.DocRef, updates ...docstore.Update) error {
	return s.Batch().Update(ref, updates).Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, ref docstore.DocRef) error {
	return s.Batch().Delete(ref).Commit(ctx)
}

// Batch returns an atomic multi-document write.
func (s *Store) Batch() docstore.Batch {
	return docstore.NewWriteBatch(func(ctx context.Context, writes []docstore.Write) error {
		defer observe("commit", time.Now())
		changes, err := s.commit(nil, writes)
		if err != nil {
			if errors.Is(err, docstore.ErrPreconditionFailed) {
				metrics.RecordPreconditionFailure()
			}
			return err
		}
		s.hub.Publish(ctx, changes...)
		return nil
	})
}

// commit validates reads, applies writes and swaps the results in under one
// lock. reads maps document paths to the version observed (0 for absent).
func (s *Store) commit(reads map[string]txRead, writes []docstore.Write) ([]docstore.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}

	for path, r := range reads {
		var current uint64
		if doc := s.lookupLocked(r.ref); doc != nil {
			current = doc.Version
		}
		if current != r.version {
			return nil, fmt.Errorf("%w: %s changed", docstore.ErrConflict, path)
		}
	}

	muts, err := docstore.Apply(writes, func(ref docstore.DocRef) (*docstore.Document, error) {
		return s.lookupLocked(ref), nil
	}, s.clock.Now(), s.version+1)
	if err != nil {
		return nil, err
	}
	s.version++

	changes := make([]docstore.Change, 0, len(muts))
	for _, m := range muts {
		coll := m.Ref.Parent.Path()
		if m.Doc == nil {
			delete(s.colls[coll], m.Ref.ID)
			if len(s.colls[coll]) == 0 {
				delete(s.colls, coll)
			}
		} else {
			if s.colls[coll] == nil {
				s.colls[coll] = make(map[string]*docstore.Document)
			}
			s.colls[coll][m.Ref.ID] = m.Doc
		}
		changes = append(changes, m.Change())
	}
	return changes, nil
}

// RunTransaction retries fn while commits conflict, up to the configured attempts.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	defer observe("transaction", time.Now())
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		metrics.RecordTransactionAttempt()

		tx := &memTx{store: s, reads: make(map[string]txRead)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		changes, err := s.commit(tx.reads, tx.Writes())
		if errors.Is(err, docstore.ErrConflict) {
			metrics.RecordTransactionConflict()
			s.logger.Debug(ctx, "transaction conflict, retrying", logger.Int("attempt", attempt))
			backoff(attempt, s.maxAttempts)
			continue
		}
		if err != nil {
			return err
		}
		s.hub.Publish(ctx, changes...)
		return nil
	}
	metrics.RecordTransactionExhausted()
	return fmt.Errorf("%w: gave up after %d attempts", docstore.ErrConflict, s.maxAttempts)
}

// backoff sleeps a random slice of maxBackoff that grows with attempt.
func backoff(attempt, maxAttempts int) {
	if ceiling := time.Duration(attempt) * maxBackoff / time.Duration(maxAttempts); ceiling > 0 {
		time.Sleep(rand.N(ceiling))
	}
}

type txRead struct {
	ref     docstore.DocRef
	version uint64
}

type memTx struct {
	docstore.WriteBuffer
	store *Store
	reads map[string]txRead
}

func (t *memTx) Get(_ context.Context, ref docstore.DocRef) (*docstore.Document, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.store.closed {
		return nil, docstore.ErrClosed
	}
	doc := t.store.lookupLocked(ref)
	r := txRead{ref: ref}
	if doc != nil {
		r.version = doc.Version
	}
	if _, seen := t.reads[ref.Path()]; !seen {
		t.reads[ref.Path()] = r
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return doc.Clone(), nil
}

// Query guards the documents it returns; documents that start matching
// later are not detected.
func (t *memTx) Query(_ context.Context, q docstore.Query) ([]*docstore.Document, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.store.closed {
		return nil, docstore.ErrClosed
	}
	docs := t.store.queryLocked(q)
	for _, d := range docs {
		if _, seen := t.reads[d.Ref.Path()]; !seen {
			t.reads[d.Ref.Path()] = txRead{ref: d.Ref, version: d.Version}
		}
	}
	return docs, nil
}

// WatchDocument streams the document; a missing document arrives with a nil Doc.
func (s *Store) WatchDocument(ctx context.Context, ref docstore.DocRef) docstore.DocumentWatch {
	return feed.Watch(ctx, s.hub, feed.DocumentMatcher(ref), func(ctx context.Context) docstore.DocumentSnapshot {
		doc, err := s.Get(ctx, ref)
		if errors.Is(err, docstore.ErrNotFound) {
			return docstore.DocumentSnapshot{Ref: ref}
		}
		return docstore.DocumentSnapshot{Ref: ref, Doc: doc, Err: err}
	}, func(snap docstore.DocumentSnapshot) bool { return snap.Err != nil })
}

func (s *Store) WatchQuery(ctx context.Context, q docstore.Query) docstore.QueryWatch {
	return feed.Watch(ctx, s.hub, feed.CollectionMatcher(q.Collection), func(ctx context.Context) docstore.QuerySnapshot {
		docs, err := s.Query(ctx, q)
		return docstore.QuerySnapshot{Query: q, Docs: docs, Err: err}
	}, func(snap docstore.QuerySnapshot) bool { return snap.Err != nil })
}

// Close stops background work and, if the store created its hub, every watch.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	if s.ownsHub {
		return s.hub.Close(context.Background())
	}
	return nil
}
