package keycache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EncodeKeys renders a key set as a compact range list, e.g. [1 2 3 7] -> "1-3,7".
// Keys are sorted first; the empty set encodes as "".
func EncodeKeys(keys []int64) string {
	if len(keys) == 0 {
		return ""
	}

	sorted := make([]int64, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	start, end := sorted[0], sorted[0]

	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			b.WriteString(strconv.FormatInt(start, 10))
		} else {
			b.WriteString(strconv.FormatInt(start, 10))
			b.WriteByte('-')
			b.WriteString(strconv.FormatInt(end, 10))
		}
	}

	for _, k := range sorted[1:] {
		if k == end || k == end+1 {
			end = k
			continue
		}
		flush()
		start, end = k, k
	}
	flush()

	return b.String()
}

// DecodeKeys parses a range list produced by EncodeKeys back into keys.
func DecodeKeys(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}

	var keys []int64
	for _, part := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing key range %q: %w", part, err)
		}
		if !found {
			keys = append(keys, start)
			continue
		}
		end, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing key range %q: %w", part, err)
		}
		if end < start {
			return nil, fmt.Errorf("inverted key range %q", part)
		}
		for k := start; k <= end; k++ {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
