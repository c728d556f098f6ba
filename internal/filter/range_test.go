package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  Range
		err   error
	}{
		{input: "0:1048576", want: Range{0, 1048576}},
		{input: "555555:999999", want: Range{555555, 999999}},
		{input: "10:*", want: Range{10, Open}},
		{input: "10:", want: Range{10, Open}},
		{input: " 4:4 ", want: Range{4, 4}},
		{input: "9:3", err: ErrInvalidRange},
		{input: "", err: ErrRangeSyntax},
		{input: "12", err: ErrRangeSyntax},
		{input: ":12", err: ErrRangeSyntax},
		{input: "-1:5", err: ErrRangeSyntax},
		{input: "a:b", err: ErrRangeSyntax},
		{input: "1:2:3", err: ErrRangeSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRange(tt.input)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "5:10", Range{5, 10}.String())
	assert.Equal(t, "5:*", Range{5, Open}.String())
	assert.Equal(t, "0:*", Full.String())
}

func TestRangeFromQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		want    Range
		key     string
		found   bool
		wantErr bool
	}{
		{name: "none", query: "format=car"},
		{name: "bytes", query: "bytes=1:2", want: Range{1, 2}, key: ParamBytes, found: true},
		{name: "entity-bytes", query: "entity-bytes=3:*", want: Range{3, Open}, key: ParamEntityBytes, found: true},
		{name: "entity-bytes wins", query: "bytes=1:2&entity-bytes=5:6", want: Range{5, 6}, key: ParamEntityBytes, found: true},
		{name: "malformed", query: "bytes=oops", key: ParamBytes, found: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			got, key, found, err := RangeFromQuery(q)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.key, key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRangeSyntax)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripRange(t *testing.T) {
	t.Parallel()

	q, err := url.ParseQuery("entity-bytes=0:10&bytes=1:2&format=car&dag-scope=entity")
	require.NoError(t, err)

	got := StripRange(q)
	assert.Equal(t, "dag-scope=entity&format=car", got.Encode())
	assert.True(t, q.Has(ParamBytes), "input is not modified")
}
