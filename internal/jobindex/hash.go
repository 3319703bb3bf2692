package jobindex

import "github.com/smukkama/jobqueued/internal/protocol"

// jenkinsHash is the "one-at-a-time" hash used by upstream Gearman for both
// the by_handle and by_unique indices. Zero is reserved as a sentinel, so a
// hash that comes out to zero is folded to one.
func jenkinsHash(data []byte) uint32 {
	var v uint32
	for _, b := range data {
		v += uint32(b)
		v += v << 10
		v ^= v >> 6
	}
	v += v << 3
	v ^= v >> 11
	v += v << 15
	if v == 0 {
		return 1
	}
	return v
}

func bucketOf(data []byte) uint32 {
	return jenkinsHash(data) % uint32(protocol.HashBucketCount)
}

// dedupKeyFor implements spec.md §4.C's duplicate-unique rule: a literal
// "-" unique with non-empty data dedups on the data bytes themselves,
// not on the literal string "-" (which every such submission shares).
// Any other non-empty unique value dedups on itself; an empty unique gets
// no key at all, so such submissions are never deduped. The match is
// scoped to funcName: two submissions with the same unique (or data) to
// different functions are distinct jobs, never deduped against each
// other.
func dedupKeyFor(funcName, unique string, data []byte) string {
	if unique == "" {
		return ""
	}
	if unique == "-" && len(data) > 0 {
		return funcName + "\x00data:" + string(data)
	}
	return funcName + "\x00" + unique
}
