// Package docstore defines the document store contract the game core is
// built on: documents in nested collections, equality/order queries, atomic
// batches, optimistic transactions and push watches.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CollectionRef names a collection, e.g. "games" or "games/abc/players".
type CollectionRef struct {
	path string
}

// Collection returns a reference to the collection at path.
func Collection(path string) CollectionRef {
	return CollectionRef{path: strings.Trim(path, "/")}
}

// Path returns the slash separated collection path.
func (c CollectionRef) Path() string { return c.path }

// Doc returns a reference to the document id inside c.
func (c CollectionRef) Doc(id string) DocRef {
	return DocRef{Parent: c, ID: id}
}

// NewDoc returns a reference with a fresh random id.
func (c CollectionRef) NewDoc() DocRef {
	return c.Doc(uuid.NewString())
}

// Query starts an unfiltered query over c.
func (c CollectionRef) Query() Query {
	return Query{Collection: c}
}

// Where starts a query with one equality filter.
func (c CollectionRef) Where(field string, value any) Query {
	return c.Query().Where(field, value)
}

// OrderBy starts a query ordered by field.
func (c CollectionRef) OrderBy(field string, dir Direction) Query {
	return c.Query().OrderBy(field, dir)
}

// DocRef identifies one document.
type DocRef struct {
	Parent CollectionRef
	ID     string
}

// Path returns "collection/id".
func (d DocRef) Path() string {
	return d.Parent.path + "/" + d.ID
}

// Collection returns the sub-collection name nested under d.
func (d DocRef) Collection(name string) CollectionRef {
	return Collection(d.Path() + "/" + name)
}

// IsZero reports whether d was never set.
func (d DocRef) IsZero() bool {
	return d.ID == "" && d.Parent.path == ""
}

func (d DocRef) validate() error {
	if d.ID == "" || d.Parent.path == "" || strings.Contains(d.ID, "/") {
		return fmt.Errorf("%w: bad document reference %q", ErrInvalidArgument, d.Path())
	}
	return nil
}

// Document is a stored record. Data holds JSON-shaped values: string,
// float64, bool, nil, map[string]any and []any.
type Document struct {
	Ref        DocRef
	Data       map[string]any
	Version    uint64
	CreateTime time.Time
	UpdateTime time.Time
}

// DataTo decodes the document data into v using its json tags.
func (d *Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Ref.Path(), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Ref.Path(), err)
	}
	return nil
}

// Field returns the value at a dotted path.
func (d *Document) Field(path string) (any, bool) {
	return lookup(d.Data, path)
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Data = cloneMap(d.Data)
	return &cp
}

// Update sets one top-level field. Value may be Increment or ServerTimestamp.
type Update struct {
	Field string
	Value any
}

// Precondition guards a batch write on the version last read.
type Precondition struct {
	Version uint64
}

// LastVersion requires the document to still carry version v when the write commits.
func LastVersion(v uint64) Precondition { return Precondition{Version: v} }

// Change identifies a document touched by a commit.
type Change struct {
	Collection string
	ID         string
}

// Path returns "collection/id".
func (c Change) Path() string { return c.Collection + "/" + c.ID }

// Batch accumulates writes applied all-or-nothing on Commit.
type Batch interface {
	Create(ref DocRef, data map[string]any) Batch
	Set(ref DocRef, data map[string]any) Batch
	Update(ref DocRef, updates []Update, preconditions ...Precondition) Batch
	Delete(ref DocRef) Batch
	Commit(ctx context.Context) error
}

// Tx is the view a transaction function gets. Writes are buffered and
// applied on commit only if nothing it read has changed since.
type Tx interface {
	Get(ctx context.Context, ref DocRef) (*Document, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
	Create(ref DocRef, data map[string]any) error
	Set(ref DocRef, data map[string]any) error
	Update(ref DocRef, updates ...Update) error
	Delete(ref DocRef) error
}

// TxFunc is run by RunTransaction, possibly several times.
type TxFunc func(ctx context.Context, tx Tx) error

// DocumentSnapshot is one delivery of a document watch. Doc is nil when the
// document does not exist.
type DocumentSnapshot struct {
	Ref DocRef
	Doc *Document
	Err error
}

// QuerySnapshot is one delivery of a query watch.
type QuerySnapshot struct {
	Query Query
	Docs  []*Document
	Err   error
}

// DocumentWatch streams snapshots of one document until closed.
type DocumentWatch interface {
	Updates() <-chan DocumentSnapshot
	Close() error
}

// QueryWatch streams snapshots of a query result until closed.
type QueryWatch interface {
	Updates() <-chan QuerySnapshot
	Close() error
}

// Store is the document store contract.
type Store interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, ref DocRef) (*Document, error)
	// Add creates a document with a fresh id.
	Add(ctx context.Context, coll CollectionRef, data map[string]any) (DocRef, error)
	// Create fails with ErrAlreadyExists if the document exists.
	Create(ctx context.Context, ref DocRef, data map[string]any) error
	// Set creates or replaces a document.
	Set(ctx context.Context, ref DocRef, data map[string]any) error
	// Update changes fields of an existing document.
	Update(ctx context.Context, ref DocRef, updates ...Update) error
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, ref DocRef) error
	// Query returns matching documents in query order.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Batch starts an atomic multi-document write.
	Batch() Batch
	// RunTransaction runs fn with optimistic concurrency, retrying on conflict.
	RunTransaction(ctx context.Context, fn TxFunc) error

	// WatchDocument delivers the current document and then every change.
	WatchDocument(ctx context.Context, ref DocRef) DocumentWatch
	// WatchQuery delivers the current result set and then every change.
	WatchQuery(ctx context.Context, q Query) QueryWatch

	Close() error
}
