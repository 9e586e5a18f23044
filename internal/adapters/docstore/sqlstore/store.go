// Package sqlstore is a docstore.Store backed by SQLite or PostgreSQL.
//
// Documents live as JSON text in a single table; filters and ordering run in
// process over one collection's rows. Changes made by this process reach
// watches immediately; changes made by other processes are picked up by the
// optional poll.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/feed"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	defaultMaxAttempts    = 16
	defaultMetricsRefresh = 5 * time.Second
	maxBackoff            = 5 * time.Millisecond
)

// Store implements docstore.Store over database/sql via sqlx.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	backend string

	clock        *docstore.Clock
	hub          *feed.Hub
	ownsHub      bool
	maxAttempts  int
	pollInterval time.Duration
	refresh      time.Duration
	logger       logger.Logger

	closeOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)

// Open connects to driver ("sqlite3" or "postgres") at dsn and creates the
// schema if needed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	d, ok := dialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver %q", docstore.ErrInvalidArgument, driver)
	}
	db, err := sqlx.ConnectContext(ctx, d.driverName(), d.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", docstore.ErrUnavailable, d.driverName(), err)
	}
	d.configure(db)

	s := &Store{
		db:          db,
		dialect:     d,
		backend:     d.driverName(),
		clock:       docstore.NewClock(),
		maxAttempts: defaultMaxAttempts,
		refresh:     defaultMetricsRefresh,
		logger:      logger.Get().Named("sqlstore"),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = feed.NewHub()
		s.ownsHub = true
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.background()
	s.logger.Info(ctx, "document store opened",
		logger.String("driver", s.backend),
		logger.Duration("poll", s.pollInterval),
	)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %w", docstore.ErrUnavailable, err)
		}
	}
	return nil
}

// Hub exposes the watch hub changes are published to.
func (s *Store) Hub() *feed.Hub { return s.hub }

// background refreshes metrics and, when polling is enabled, re-signals every
// watch so changes from other processes surface.
func (s *Store) background() {
	defer s.wg.Done()
	refresh := time.NewTicker(s.refresh)
	defer refresh.Stop()

	var poll <-chan time.Time
	if s.pollInterval > 0 {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-s.stopChan:
			return
		case <-poll:
			s.hub.NotifyAll()
		case <-refresh.C:
			var n int
			if err := s.db.Get(&n, countDocuments); err == nil {
				metrics.UpdateStoreDocuments(s.backend, n)
			}
		}
	}
}

func (s *Store) observe(op string, start time.Time) {
	metrics.RecordStoreOp(s.backend, op, float64(time.Since(start).Microseconds())/1000)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", docstore.ErrUnavailable, op, err)
}

func (s *Store) load(ctx context.Context, q sqlx.QueryerContext, ref docstore.DocRef, lock bool) (*docstore.Document, error) {
	query := selectOne
	if lock {
		query += s.dialect.lockSuffix()
	}
	var r row
	err := sqlx.GetContext(ctx, q, &r, s.db.Rebind(query), ref.Parent.Path(), ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decode(r)
}

func (s *Store) list(ctx context.Context, q sqlx.QueryerContext, query docstore.Query) ([]*docstore.Document, error) {
	var rows []row
	if err := sqlx.SelectContext(ctx, q, &rows, s.db.Rebind(selectCollection), query.Collection.Path()); err != nil {
		return nil, unavailable("query", err)
	}
	docs := make([]*docstore.Document, 0, len(rows))
	for _, r := range rows {
		d, err := decode(r)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return query.Run(docs), nil
}

func decode(r row) (*docstore.Document, error) {
	doc := &docstore.Document{
		Ref:     docstore.Collection(r.Collection).Doc(r.ID),
		Version: uint64(r.Version),
	}
	if err := json.Unmarshal([]byte(r.Data), &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
	}
	var err error
	if doc.CreateTime, err = docstore.ParseTime(r.CreateTime); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
	}
	if doc.UpdateTime, err = docstore.ParseTime(r.UpdateTime); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, ref docstore.DocRef) (*docstore.Document, error) {
	defer s.observe("get", time.Now())
	doc, err := s.load(ctx, s.db, ref, false)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return doc, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	defer s.observe("query", time.Now())
	return s.list(ctx, s.db, q)
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

func (s *Store) Batch() docstore.Batch {
	return docstore.NewWriteBatch(func(ctx context.Context, writes []docstore.Write) error {
		defer s.observe("commit", time.Now())
		changes, err := s.commit(ctx, nil, writes)
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

type txRead struct {
	ref     docstore.DocRef
	version uint64
}

// commit runs one SQL transaction: check read versions, allocate a version,
// apply writes and persist the resulting rows.
func (s *Store) commit(ctx context.Context, reads map[string]txRead, writes []docstore.Write) (_ []docstore.Change, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for path, r := range reads {
		cur, err := s.load(ctx, tx, r.ref, true)
		if err != nil {
			return nil, err
		}
		var current uint64
		if cur != nil {
			current = cur.Version
		}
		if current != r.version {
			return nil, fmt.Errorf("%w: %s changed", docstore.ErrConflict, path)
		}
	}

	var version int64
	if err := tx.GetContext(ctx, &version, tx.Rebind(nextVersion)); err != nil {
		return nil, unavailable("next version", err)
	}

	muts, err := docstore.Apply(writes, func(ref docstore.DocRef) (*docstore.Document, error) {
		return s.load(ctx, tx, ref, true)
	}, s.clock.Now(), uint64(version))
	if err != nil {
		return nil, err
	}

	changes := make([]docstore.Change, 0, len(muts))
	for _, m := range muts {
		if err := s.persist(ctx, tx, m); err != nil {
			return nil, err
		}
		changes = append(changes, m.Change())
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit", err)
	}
	return changes, nil
}

func (s *Store) persist(ctx context.Context, tx *sqlx.Tx, m docstore.Mutation) error {
	if m.Doc == nil {
		if _, err := tx.ExecContext(ctx, tx.Rebind(deleteDocument), m.Ref.Parent.Path(), m.Ref.ID); err != nil {
			return unavailable("delete", err)
		}
		return nil
	}
	data, err := json.Marshal(m.Doc.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", docstore.ErrInvalidArgument, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertDocument),
		m.Ref.Parent.Path(), m.Ref.ID, string(data), int64(m.Doc.Version),
		docstore.FormatTime(m.Doc.CreateTime), docstore.FormatTime(m.Doc.UpdateTime),
	); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

// RunTransaction reads outside a SQL transaction and validates those reads at
// commit, retrying on conflict.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	defer s.observe("transaction", time.Now())
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		metrics.RecordTransactionAttempt()

		tx := &sqlTx{store: s, reads: make(map[string]txRead)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		changes, err := s.commit(ctx, tx.reads, tx.Writes())
		if errors.Is(err, docstore.ErrConflict) {
			metrics.RecordTransactionConflict()
			s.logger.Debug(ctx, "transaction conflict, retrying", logger.Int("attempt", attempt))
			if ceiling := time.Duration(attempt) * maxBackoff / time.Duration(s.maxAttempts); ceiling > 0 {
				time.Sleep(rand.N(ceiling))
			}
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

type sqlTx struct {
	docstore.WriteBuffer
	store *Store
	reads map[string]txRead
}

func (t *sqlTx) remember(ref docstore.DocRef, version uint64) {
	if _, seen := t.reads[ref.Path()]; !seen {
		t.reads[ref.Path()] = txRead{ref: ref, version: version}
	}
}

func (t *sqlTx) Get(ctx context.Context, ref docstore.DocRef) (*docstore.Document, error) {
	doc, err := t.store.load(ctx, t.store.db, ref, false)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		t.remember(ref, 0)
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	t.remember(ref, doc.Version)
	return doc, nil
}

func (t *sqlTx) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	docs, err := t.store.list(ctx, t.store.db, q)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		t.remember(d.Ref, d.Version)
	}
	return docs, nil
}

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

// Close stops polling, ends watches on an owned hub and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if s.ownsHub {
			err = s.hub.Close(context.Background())
		}
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
