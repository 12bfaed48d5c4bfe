package httprange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		s       string
		cr      *ContentRange
		wantErr string
	}{
		{"", nil, ""},
		{"bytes 0-1048575/10485760", &ContentRange{0, 1048575, 10485760}, ""},
		{"bytes 9437184-10485759/10485760", &ContentRange{9437184, 10485759, 10485760}, ""},
		{"bytes  0 - 9 / 10", &ContentRange{0, 9, 10}, ""},
		{"items 0-9/10", nil, "invalid unit of Content-Range header"},
		{"bytes 0-9", nil, "invalid size of Content-Range header"},
		{"bytes 0-9/*", nil, "cannot parse size of Content-Range header"},
		{"bytes 0/10", nil, "cannot parse Content-Range header, expected format \"start-end\""},
		{"bytes a-9/10", nil, "cannot parse start of Content-Range header"},
		{"bytes 0-z/10", nil, "cannot parse end of Content-Range header"},
		{"bytes 5-4/10", nil, "unsatisfiable range in Content-Range header"},
		{"bytes 0-10/10", nil, "unsatisfiable range in Content-Range header"},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			cr, err := ParseContentRange(tt.s)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cr, cr)
		})
	}
}

func TestContentRangeLength(t *testing.T) {
	tests := []struct {
		cr     ContentRange
		length int64
		last   bool
	}{
		{ContentRange{0, 1048575, 10485760}, 1048576, false},
		{ContentRange{9437184, 10485759, 10485760}, 1048576, true},
		{ContentRange{0, 0, 1}, 1, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.length, tt.cr.Length())
		assert.Equal(t, tt.last, tt.cr.IsLastByte())
	}
}
