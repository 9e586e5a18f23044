package docstore

import (
	"context"
	"fmt"
	"time"
)

// WriteKind is the operation a Write performs.
type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteSet
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreate:
		return "create"
	case WriteSet:
		return "set"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one buffered mutation. Backends commit a slice of them atomically.
type Write struct {
	Kind         WriteKind
	Ref          DocRef
	Data         map[string]any
	Updates      []Update
	Precondition *Precondition
}

// Mutation is the final state of one document after a commit. Doc is nil
// when the document was deleted.
type Mutation struct {
	Ref DocRef
	Doc *Document
}

// Change returns the change notification for m.
func (m Mutation) Change() Change {
	return Change{Collection: m.Ref.Parent.Path(), ID: m.Ref.ID}
}

// Apply evaluates writes in order against current state and returns one
// Mutation per touched document, in first-touch order. lookup returns the
// stored document or nil. Every written document gets version and commitTime.
// Nothing is returned on error so backends can discard the whole commit.
func Apply(writes []Write, lookup func(DocRef) (*Document, error), commitTime time.Time, version uint64) ([]Mutation, error) {
	working := make(map[string]*Document, len(writes))
	var order []DocRef
	for _, w := range writes {
		path := w.Ref.Path()
		cur, seen := working[path]
		if !seen {
			loaded, err := lookup(w.Ref)
			if err != nil {
				return nil, err
			}
			cur = loaded
			order = append(order, w.Ref)
		}
		next, err := applyWrite(cur, w, commitTime, version)
		if err != nil {
			return nil, err
		}
		working[path] = next
	}
	out := make([]Mutation, 0, len(order))
	for _, ref := range order {
		out = append(out, Mutation{Ref: ref, Doc: working[ref.Path()]})
	}
	return out, nil
}

func applyWrite(cur *Document, w Write, commitTime time.Time, version uint64) (*Document, error) {
	if p := w.Precondition; p != nil {
		if cur == nil || cur.Version != p.Version {
			return nil, fmt.Errorf("%w: %s %s", ErrPreconditionFailed, w.Kind, w.Ref.Path())
		}
	}
	switch w.Kind {
	case WriteCreate:
		if cur != nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, w.Ref.Path())
		}
		return newDocument(w.Ref, w.Data, commitTime, commitTime, version)
	case WriteSet:
		created := commitTime
		if cur != nil {
			created = cur.CreateTime
		}
		return newDocument(w.Ref, w.Data, created, commitTime, version)
	case WriteUpdate:
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, w.Ref.Path())
		}
		data, err := applyUpdates(cur.Data, w.Updates, commitTime)
		if err != nil {
			return nil, err
		}
		return &Document{Ref: w.Ref, Data: data, Version: version, CreateTime: cur.CreateTime, UpdateTime: commitTime}, nil
	case WriteDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: write kind %d", ErrInvalidArgument, w.Kind)
	}
}

func newDocument(ref DocRef, data map[string]any, created, updated time.Time, version uint64) (*Document, error) {
	norm, err := Normalize(data, updated)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref.Path(), err)
	}
	return &Document{Ref: ref, Data: norm, Version: version, CreateTime: created, UpdateTime: updated}, nil
}

// WriteBuffer collects writes. Backends embed it in their transaction type.
type WriteBuffer struct {
	writes []Write
}

// Writes returns the buffered writes.
func (b *WriteBuffer) Writes() []Write { return b.writes }

func (b *WriteBuffer) add(w Write) error {
	if err := w.Ref.validate(); err != nil {
		return err
	}
	b.writes = append(b.writes, w)
	return nil
}

// Create buffers a create.
func (b *WriteBuffer) Create(ref DocRef, data map[string]any) error {
	return b.add(Write{Kind: WriteCreate, Ref: ref, Data: data})
}

// Set buffers a set.
func (b *WriteBuffer) Set(ref DocRef, data map[string]any) error {
	return b.add(Write{Kind: WriteSet, Ref: ref, Data: data})
}

// Update buffers an update.
func (b *WriteBuffer) Update(ref DocRef, updates ...Update) error {
	return b.add(Write{Kind: WriteUpdate, Ref: ref, Updates: updates})
}

// Delete buffers a delete.
func (b *WriteBuffer) Delete(ref DocRef) error {
	return b.add(Write{Kind: WriteDelete, Ref: ref})
}

// CommitFunc applies writes atomically.
type CommitFunc func(ctx context.Context, writes []Write) error

// WriteBatch implements Batch on top of a backend CommitFunc.
type WriteBatch struct {
	buf       WriteBuffer
	err       error
	commit    CommitFunc
	committed bool
}

// NewWriteBatch returns a batch committed through commit.
func NewWriteBatch(commit CommitFunc) *WriteBatch {
	return &WriteBatch{commit: commit}
}

func (b *WriteBatch) record(err error) Batch {
	if err != nil && b.err == nil {
		b.err = err
	}
	return b
}

func (b *WriteBatch) Create(ref DocRef, data map[string]any) Batch {
	return b.record(b.buf.Create(ref, data))
}

func (b *WriteBatch) Set(ref DocRef, data map[string]any) Batch {
	return b.record(b.buf.Set(ref, data))
}

// Update buffers an update guarded by the last precondition given, if any.
func (b *WriteBatch) Update(ref DocRef, updates []Update, preconditions ...Precondition) Batch {
	w := Write{Kind: WriteUpdate, Ref: ref, Updates: updates}
	if n := len(preconditions); n > 0 {
		p := preconditions[n-1]
		w.Precondition = &p
	}
	return b.record(b.buf.add(w))
}

func (b *WriteBatch) Delete(ref DocRef) Batch {
	return b.record(b.buf.Delete(ref))
}

// Commit applies all buffered writes or none. A batch commits once.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if b.committed {
		return fmt.Errorf("%w: batch already committed", ErrInvalidArgument)
	}
	b.committed = true
	if b.err != nil {
		return b.err
	}
	if len(b.buf.writes) == 0 {
		return nil
	}
	return b.commit(ctx, b.buf.writes)
}
