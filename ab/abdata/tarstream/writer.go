// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tarstream

import (
	"io"

	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/iotools"
)

// Writer re-emits TAR entries. Serialisation is bit-exact: writing back
// the entries produced by a Reader, in order, reproduces the original
// stream (modulo anything trailing the terminator).
type Writer struct {
	w      *iotools.CountingWriter
	closed bool
}

// NewWriter returns a Writer emitting a TAR stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: &iotools.CountingWriter{Writer: w}}
}

// Offset is the number of TAR stream bytes emitted so far.
func (w *Writer) Offset() int64 {
	return w.w.Count
}

// WriteEntry emits one entry: its verbatim header region followed by
// exactly Size+Padding body bytes.
func (w *Writer) WriteEntry(e *Entry) error {
	if w.closed {
		return errors.New("write past the archive terminator")
	}
	if len(e.Raw) == 0 || len(e.Raw)%BlockSize != 0 {
		return errors.Reason("entry %(path)q has a malformed raw header region (%(len)d bytes)").
			D("path", e.Path).D("len", len(e.Raw)).Err()
	}
	if _, err := w.w.Write(e.Raw); err != nil {
		return errors.Annotate(err).Reason("writing header of %(path)q").
			D("path", e.Path).Err()
	}

	want := e.Size + e.Padding
	if want == 0 {
		return nil
	}
	n, err := io.CopyN(w.w, e.Body, want)
	if err != nil {
		return errors.Annotate(err).
			Reason("payload of %(path)q ended after %(n)d of %(want)d bytes").
			D("path", e.Path).D("n", n).D("want", want).Err()
	}
	return nil
}

// Close emits the two-block terminator. The underlying writer stays
// open; further WriteEntry calls are refused.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var terminator [2 * BlockSize]byte
	_, err := w.w.Write(terminator[:])
	return err
}
