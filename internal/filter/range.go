package filter

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query parameters that request a file byte range. Both are accepted with
// identical meaning; entity-bytes wins when both are present.
const (
	ParamEntityBytes = "entity-bytes"
	ParamBytes       = "bytes"
)

// ErrRangeSyntax is returned for a range string that cannot be parsed.
var ErrRangeSyntax = errors.New("malformed range")

// ParseRange parses "start:end", "start:*" or "start:". End is exclusive.
func ParseRange(s string) (Range, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q: want start:end", ErrRangeSyntax, s)
	}

	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: bad start", ErrRangeSyntax, s)
	}

	end := uint64(Open)
	if endStr != "" && endStr != "*" {
		end, err = strconv.ParseUint(endStr, 10, 64)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: bad end", ErrRangeSyntax, s)
		}
	}

	if start > end {
		return Range{}, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, start, end)
	}
	return Range{Start: start, End: end}, nil
}

// RangeFromQuery extracts a range from q. It returns the parameter name it
// used and false when neither parameter is present.
func RangeFromQuery(q url.Values) (Range, string, bool, error) {
	for _, key := range []string{ParamEntityBytes, ParamBytes} {
		if !q.Has(key) {
			continue
		}
		r, err := ParseRange(q.Get(key))
		return r, key, true, err
	}
	return Range{}, "", false, nil
}

// StripRange returns a copy of q without either range parameter.
func StripRange(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		if k == ParamEntityBytes || k == ParamBytes {
			continue
		}
		out[k] = v
	}
	return out
}
