package docstore

import (
	"sort"
	"strings"
	"time"
)

// Direction of an OrderBy clause.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Filter is an equality predicate on a dotted field path.
type Filter struct {
	Field string
	Value any
}

// Order sorts by a dotted field path. Documents missing the field sort first.
type Order struct {
	Field string
	Dir   Direction
}

// Query selects documents from one collection. Results are ordered by the
// Orders, then by creation time, then by id.
type Query struct {
	Collection CollectionRef
	Filters    []Filter
	Orders     []Order
	Limit      int
}

// Where adds an equality filter. Filters are ANDed.
func (q Query) Where(field string, value any) Query {
	if v, err := NormalizeValue(value, time.Time{}); err == nil {
		value = v
	}
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

// OrderBy appends a sort key.
func (q Query) OrderBy(field string, dir Direction) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Dir: dir})
	return q
}

// WithLimit caps the number of results; zero means no cap.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Matches reports whether doc belongs to the query result.
func (q Query) Matches(doc *Document) bool {
	if doc == nil || doc.Ref.Parent.Path() != q.Collection.Path() {
		return false
	}
	for _, f := range q.Filters {
		v, ok := doc.Field(f.Field)
		if !ok || rankOf(v) != rankOf(f.Value) || Compare(v, f.Value) != 0 {
			return false
		}
	}
	return true
}

// Run filters, sorts and limits docs in place and returns the result.
func (q Query) Run(docs []*Document) []*Document {
	out := docs[:0]
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return q.less(out[i], out[j])
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) less(a, b *Document) bool {
	for _, o := range q.Orders {
		av, _ := a.Field(o.Field)
		bv, _ := b.Field(o.Field)
		c := Compare(av, bv)
		if o.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	if !a.CreateTime.Equal(b.CreateTime) {
		return a.CreateTime.Before(b.CreateTime)
	}
	return strings.Compare(a.Ref.ID, b.Ref.ID) < 0
}
