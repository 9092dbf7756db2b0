// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package abdata

import (
	"compress/zlib"
	"io"

	"github.com/luci/luci-go/common/errors"
)

// Compression indicates how the archive body is encoded, as indicated by
// the header's compression flag. zlib is the only compression the Android
// Backup format supports.
type Compression byte

// The supported body encodings.
const (
	CompressionNone Compression = iota
	CompressionZlib
)

// CompressionFor maps a header's compressed flag to a scheme.
func CompressionFor(compressed bool) Compression {
	if compressed {
		return CompressionZlib
	}
	return CompressionNone
}

// Flag returns the header flag value for this scheme.
func (c Compression) Flag() bool { return c == CompressionZlib }

// Valid returns nil iff the Compression is valid.
func (c Compression) Valid() error {
	switch c {
	case CompressionNone, CompressionZlib:
		return nil
	}
	return errors.Reason("unknown compression scheme 0x%(c)x").D("c", byte(c)).Err()
}

// Writer returns a new encoding writer for the given scheme. Closing it
// flushes the encoder state but leaves w open.
func (c Compression) Writer(w io.Writer, level int) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return writeCloseHook{w, nil}, nil
	case CompressionZlib:
		zw, err := zlib.NewWriterLevel(w, level)
		if err != nil {
			return nil, errors.Annotate(err).Reason("zlib writer").Err()
		}
		return zw, nil
	}
	return nil, c.Valid()
}

// Reader returns a new decoding reader for the given scheme.
func (c Compression) Reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return readCloseHook{r, nil}, nil
	case CompressionZlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, errors.Annotate(err).Reason("zlib stream").Err()
		}
		return zr, nil
	}
	return nil, c.Valid()
}
