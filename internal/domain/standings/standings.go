// Package standings keeps a ranked scoreboard of one game's players.
package standings

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/okian/tunebuzz/internal/domain/model"
)

// Sentinel errors.
var (
	ErrNotFound     = errors.New("player not on the board")
	ErrInvalidLimit = errors.New("invalid standings limit")
)

// Entry is one scoreboard row.
type Entry struct {
	Rank        int       `json:"rank"`
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Board orders players by score desc, then join time, then identity.
// It is a treap keyed on that order with random heap priorities; every
// node tracks its subtree size so positions are O(log n).
// A Board is not safe for concurrent use; build one per snapshot.
type Board struct {
	root *node
	byID map[string]Entry
}

type node struct {
	key   Entry
	prio  uint64
	left  *node
	right *node
	size  int
}

// New returns an empty board.
func New() *Board {
	return &Board{byID: make(map[string]Entry)}
}

// FromPlayers builds a board from a player snapshot. Duplicate identities
// keep the earliest joined record.
func FromPlayers(players []*model.Player) *Board {
	b := New()
	for _, p := range players {
		if p == nil {
			continue
		}
		if cur, ok := b.byID[p.Identity]; ok && !p.JoinedAt.Before(cur.JoinedAt) {
			continue
		}
		b.Upsert(Entry{Identity: p.Identity, DisplayName: p.DisplayName, Score: p.Score, JoinedAt: p.JoinedAt})
	}
	return b
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// before reports whether a ranks ahead of b.
func before(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.Identity < b.Identity
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, e Entry) *node {
	if n == nil {
		return &node{key: e, prio: rand.Uint64(), size: 1}
	}
	if before(e, n.key) {
		n.left = insert(n.left, e)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, e)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func remove(n *node, e Entry) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.key.Identity == e.Identity:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = remove(n.right, e)
		} else {
			n = rotateLeft(n)
			n.left = remove(n.left, e)
		}
	case before(e, n.key):
		n.left = remove(n.left, e)
	default:
		n.right = remove(n.right, e)
	}
	fix(n)
	return n
}

// Upsert inserts or repositions a player.
func (b *Board) Upsert(e Entry) {
	if old, ok := b.byID[e.Identity]; ok {
		b.root = remove(b.root, old)
	}
	e.Rank = 0
	b.byID[e.Identity] = e
	b.root = insert(b.root, e)
}

// Rank returns identity's row. Equal scores share a rank and ranks are
// consecutive: scores 5, 5, 3 rank 1, 1, 2.
func (b *Board) Rank(identity string) (Entry, error) {
	if _, ok := b.byID[identity]; !ok {
		return Entry{}, ErrNotFound
	}
	var (
		found Entry
		hit   bool
	)
	rank, last := 0, 0
	walk(b.root, func(e Entry) bool {
		if rank == 0 || e.Score != last {
			rank++
			last = e.Score
		}
		if e.Identity == identity {
			found, hit = e, true
			found.Rank = rank
			return false
		}
		return true
	})
	if !hit {
		return Entry{}, ErrNotFound
	}
	return found, nil
}

// Top returns the first n rows in board order.
func (b *Board) Top(n int) ([]Entry, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	out := make([]Entry, 0, min(n, len(b.byID)))
	walk(b.root, func(e Entry) bool {
		out = append(out, e)
		return len(out) < n
	})
	assignRanksWithTies(out)
	return out, nil
}

// All returns every row in board order.
func (b *Board) All() []Entry {
	out := make([]Entry, 0, len(b.byID))
	walk(b.root, func(e Entry) bool {
		out = append(out, e)
		return true
	})
	assignRanksWithTies(out)
	return out
}

// walk visits entries in order until visit returns false.
func walk(n *node, visit func(Entry) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, visit) {
		return false
	}
	if !visit(n.key) {
		return false
	}
	return walk(n.right, visit)
}

// assignRanksWithTies gives equal scores the same rank; ranks are consecutive.
func assignRanksWithTies(entries []Entry) {
	rank := 0
	for i := range entries {
		if i == 0 || entries[i].Score != entries[i-1].Score {
			rank++
		}
		entries[i].Rank = rank
	}
}
