package datapath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    ByteRange
		wantErr bool
	}{
		{name: "closed", header: "bytes=0-4", size: 100, want: ByteRange{0, 4}},
		{name: "middle", header: "bytes=10-19", size: 100, want: ByteRange{10, 19}},
		{name: "open ended", header: "bytes=90-", size: 100, want: ByteRange{90, 99}},
		{name: "suffix", header: "bytes=-10", size: 100, want: ByteRange{90, 99}},
		{name: "suffix larger than object", header: "bytes=-500", size: 100, want: ByteRange{0, 99}},
		{name: "end clamped to size", header: "bytes=50-500", size: 100, want: ByteRange{50, 99}},
		{name: "single byte", header: "bytes=99-99", size: 100, want: ByteRange{99, 99}},
		{name: "start beyond last byte", header: "bytes=100-", size: 100, wantErr: true},
		{name: "start way beyond", header: "bytes=500-600", size: 100, wantErr: true},
		{name: "suffix of empty object", header: "bytes=-5", size: 0, wantErr: true},
		{name: "missing prefix", header: "0-4", size: 100, wantErr: true},
		{name: "multiple ranges", header: "bytes=0-4,10-14", size: 100, wantErr: true},
		{name: "end before start", header: "bytes=10-5", size: 100, wantErr: true},
		{name: "negative suffix", header: "bytes=-0", size: 100, wantErr: true},
		{name: "garbage", header: "bytes=abc-def", size: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteRangeLength(t *testing.T) {
	assert.Equal(t, int64(1), ByteRange{0, 0}.Length())
	assert.Equal(t, int64(100), ByteRange{0, 99}.Length())
	assert.Equal(t, int64(10), ByteRange{90, 99}.Length())
}
