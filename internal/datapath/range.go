package datapath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange marks a byte range that cannot be satisfied against the
// object size.
var ErrInvalidRange = errors.New("requested range not satisfiable")

// ByteRange is an inclusive byte interval.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange resolves an HTTP Range header value ("bytes=a-b", "bytes=a-",
// "bytes=-n") against the object size. An open-ended range resolves to
// (a, size-1); a suffix range to (max(0, size-n), size-1). A start beyond
// the last byte fails with ErrInvalidRange.
func ParseRange(header string, size int64) (ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, header)
	}
	// Multiple ranges are not supported; S3 only honors the first form.
	if strings.Contains(spec, ",") {
		return ByteRange{}, fmt.Errorf("%w: multiple ranges not supported", ErrInvalidRange)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, header)
	}

	if startStr == "" {
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, fmt.Errorf("%w: malformed suffix range %q", ErrInvalidRange, header)
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		if size == 0 {
			return ByteRange{}, ErrInvalidRange
		}
		return ByteRange{Start: start, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, fmt.Errorf("%w: malformed range start %q", ErrInvalidRange, header)
	}
	if start > size-1 {
		return ByteRange{}, ErrInvalidRange
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, fmt.Errorf("%w: malformed range end %q", ErrInvalidRange, header)
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return ByteRange{Start: start, End: end}, nil
}
