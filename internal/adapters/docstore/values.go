package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimestampLayout renders times at fixed width so lexical order matches time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type serverTimestamp struct{}

// ServerTimestamp is replaced with the commit time when written.
var ServerTimestamp any = serverTimestamp{}

type increment struct{ n float64 }

// Increment adds n to a numeric field at commit; a missing field counts as zero.
func Increment(n float64) any { return increment{n: n} }

// FormatTime renders t in UTC using TimestampLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime is the inverse of FormatTime. It accepts any RFC 3339 value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Clock hands out strictly increasing commit times.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a UTC time later than every previous result.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Normalize converts data into JSON-shaped values, resolving ServerTimestamp
// to commitTime and time.Time to its fixed-width string. Increment is only
// valid in updates and is rejected here.
func Normalize(data map[string]any, commitTime time.Time) (map[string]any, error) {
	resolved, err := resolve(data, commitTime)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return out, nil
}

// NormalizeValue converts one value the same way Normalize does.
func NormalizeValue(v any, commitTime time.Time) (any, error) {
	out, err := Normalize(map[string]any{"v": v}, commitTime)
	if err != nil {
		return nil, err
	}
	return out["v"], nil
}

func resolve(v any, commitTime time.Time) (any, error) {
	switch val := v.(type) {
	case serverTimestamp:
		return FormatTime(commitTime), nil
	case increment:
		return nil, fmt.Errorf("%w: increment outside an update", ErrInvalidArgument)
	case time.Time:
		return FormatTime(val), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return FormatTime(*val), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolve(item, commitTime)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolve(item, commitTime)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidArgument)
		}
		return val, nil
	default:
		return v, nil
	}
}

// applyUpdates returns a copy of data with updates applied.
func applyUpdates(data map[string]any, updates []Update, commitTime time.Time) (map[string]any, error) {
	out := cloneMap(data)
	if out == nil {
		out = map[string]any{}
	}
	for _, u := range updates {
		if u.Field == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidArgument)
		}
		if inc, ok := u.Value.(increment); ok {
			cur := 0.0
			if existing, found := out[u.Field]; found && existing != nil {
				n, isNum := existing.(float64)
				if !isNum {
					return nil, fmt.Errorf("%w: increment on non-numeric field %q", ErrInvalidArgument, u.Field)
				}
				cur = n
			}
			out[u.Field] = cur + inc.n
			continue
		}
		v, err := NormalizeValue(u.Value, commitTime)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", u.Field, err)
		}
		out[u.Field] = v
	}
	return out, nil
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// type ranks used to order values of different kinds
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankArray
	rankMap
)

func rankOf(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case float64:
		return rankNumber
	case string:
		return rankString
	case []any:
		return rankArray
	default:
		return rankMap
	}
}

// Compare orders two normalized values: null < bool < number < string < array < map.
func Compare(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(av), len(bv))
	case map[string]any:
		bv, _ := b.(map[string]any)
		return compareMaps(av, bv)
	default:
		return 0
	}
}

func compareMaps(a, b map[string]any) int {
	keys := func(m map[string]any) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	ak, bk := keys(a), keys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ak), len(bk))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
