// Package fingerprint computes deterministic identity hashes of nested
// param data so that two semantically equal projections always produce the
// same cache key, regardless of map key order or set element order.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // identity hash, not a security boundary
	"fmt"
	"sort"
)

// Of returns the 32-character hex fingerprint of v. Maps are canonicalized
// by sorting keys before hashing; Set values are sorted by their own
// canonical form so element order never affects the result.
func Of(v any) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%#v", canonicalize(v)))) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}

// Set marks a slice as order-independent: Of sorts its elements by
// canonical form before hashing, so data that is logically a set hashes
// the same regardless of iteration order.
type Set []any

type kv struct {
	Key string
	Val any
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]kv, len(keys))
		for i, k := range keys {
			out[i] = kv{Key: k, Val: canonicalize(t[k])}
		}
		return out
	case Set:
		canon := make([]any, len(t))
		repr := make([]string, len(t))
		for i, e := range t {
			canon[i] = canonicalize(e)
			repr[i] = fmt.Sprintf("%#v", canon[i])
		}
		sort.Sort(byRepr{repr: repr, vals: canon})
		return canon
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// byRepr sorts two parallel slices together by the string representation,
// so Set hashing never depends on original element order.
type byRepr struct {
	repr []string
	vals []any
}

func (b byRepr) Len() int           { return len(b.repr) }
func (b byRepr) Less(i, j int) bool { return b.repr[i] < b.repr[j] }
func (b byRepr) Swap(i, j int) {
	b.repr[i], b.repr[j] = b.repr[j], b.repr[i]
	b.vals[i], b.vals[j] = b.vals[j], b.vals[i]
}
