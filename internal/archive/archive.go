// Package archive checks the integrity of compressed backup streams.
package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is a compressed stream format
type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
	FormatLZ4  Format = "lz4"
)

// Formats lists every supported format
var Formats = []Format{FormatGzip, FormatZstd, FormatLZ4}

var magics = map[Format][]byte{
	FormatGzip: {0x1f, 0x8b},
	FormatZstd: {0x28, 0xb5, 0x2f, 0xfd},
	FormatLZ4:  {0x04, 0x22, 0x4d, 0x18},
}

// Result describes a verified stream
type Result struct {
	Format Format
	// Size is the number of decompressed bytes
	Size int64
}

// Detect guesses the format from the first bytes of a stream
func Detect(header []byte) (Format, bool) {
	for _, format := range Formats {
		if bytes.HasPrefix(header, magics[format]) {
			return format, true
		}
	}
	return "", false
}

// Verify decompresses r entirely and fails on the first corrupt block.
// An empty format means the format is detected from the stream header.
func Verify(format Format, r io.Reader) (Result, error) {
	br := bufio.NewReader(r)

	if format == "" {
		header, _ := br.Peek(4)
		detected, ok := Detect(header)
		if !ok {
			return Result{}, fmt.Errorf("unrecognized compressed stream header %x", header)
		}
		format = detected
	}

	decoder, err := newDecoder(format, br)
	if err != nil {
		return Result{Format: format}, err
	}
	defer decoder.Close()

	size, err := io.Copy(io.Discard, decoder)
	if err != nil {
		return Result{Format: format, Size: size}, fmt.Errorf("corrupt %s stream after %d bytes: %w", format, size, err)
	}
	return Result{Format: format, Size: size}, nil
}

func newDecoder(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatGzip:
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip header: %w", err)
		}
		return reader, nil
	case FormatZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}
