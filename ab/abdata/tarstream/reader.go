// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tarstream is a streaming reader/writer for the PAX-formatted
// TAR stream inside an Android Backup file. The input is read once,
// without seeking, and every entry carries its verbatim wire bytes so
// that re-emission is bit-exact.
package tarstream

import (
	"bytes"
	"io"
	"strings"

	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/iotools"
)

// Entry is one TAR entry: the decoded header view plus a Body streaming
// exactly Size+Padding payload bytes. The Body must be consumed (or the
// next Next call will skip it) before the entry can be written out.
type Entry struct {
	Header

	Body io.Reader
}

// Reader produces the sequence of entries of a TAR stream, in order.
//
// PAX `x` extended headers are consumed and attached to the entry that
// follows them: the entry's Raw bytes include the extended header region,
// its decoded view reflects the overrides, and its Pax field lists the
// records as found. PAX `g` global headers are yielded as entries of
// their own; their records apply to the decoded view of all subsequent
// entries.
type Reader struct {
	r *iotools.CountingReader

	global  []PaxRecord
	pending []PaxRecord
	pendRaw []byte

	body io.Reader // unconsumed remainder of the last entry's body
	done bool
	err  error
}

// NewReader returns a Reader over the TAR stream r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: &iotools.CountingReader{Reader: r}}
}

// Offset is the number of TAR stream bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.r.Count
}

var zeroBlock [BlockSize]byte

func (r *Reader) readBlock(buf []byte) error {
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return errors.Reason("truncated archive at offset %(off)d").
			D("off", r.r.Count).Err()
	}
	return nil
}

// Next returns the next entry, or io.EOF after the two-block terminator.
// Bytes trailing the terminator are left unread.
func (r *Reader) Next() (*Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}

	ent, err := r.next()
	if err != nil && err != io.EOF {
		r.err = err
	}
	return ent, err
}

func (r *Reader) next() (*Entry, error) {
	if r.body != nil {
		if _, err := io.Copy(io.Discard, r.body); err != nil {
			return nil, errors.Annotate(err).Reason("skipping entry payload").Err()
		}
		r.body = nil
	}

	block := make([]byte, BlockSize)
	for {
		if err := r.readBlock(block); err != nil {
			return nil, err
		}

		if bytes.Equal(block, zeroBlock[:]) {
			if len(r.pendRaw) > 0 {
				return nil, errors.New("invalid TAR stream: extended header not followed by an entry")
			}
			if err := r.readBlock(block); err != nil {
				return nil, err
			}
			if !bytes.Equal(block, zeroBlock[:]) {
				return nil, errors.Reason("invalid TAR stream: lone zero block at offset %(off)d").
					D("off", r.r.Count-BlockSize).Err()
			}
			r.done = true
			return nil, io.EOF
		}

		h, err := parseBlock(block)
		if err != nil {
			return nil, errors.Annotate(err).Reason("at offset %(off)d").
				D("off", r.r.Count-BlockSize).Err()
		}

		if h.TypeFlag == TypePaxNext || h.TypeFlag == TypePaxGlobal {
			ent, err := r.readPax(h, block)
			if ent != nil || err != nil {
				return ent, err
			}
			continue // an `x` header; its entry follows
		}

		return r.finishEntry(h, block)
	}
}

// readPax consumes the payload of an extended header. It returns a
// non-nil entry for `g` headers and (nil, nil) for `x` headers, whose
// bytes and records are held for the entry that follows.
func (r *Reader) readPax(h *Header, block []byte) (*Entry, error) {
	if h.Size < 0 || h.Size > MaxPaxPayload {
		return nil, errors.Reason("PAX extended header too large: %(size)d bytes").
			D("size", h.Size).Err()
	}
	pad := padding(h.Size)
	payload := make([]byte, h.Size+pad)
	if err := r.readBlock(payload); err != nil {
		return nil, err
	}

	recs, err := parsePaxRecords(payload[:h.Size])
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, BlockSize+len(payload))
	raw = append(raw, block...)
	raw = append(raw, payload...)

	if h.TypeFlag == TypePaxNext {
		r.pendRaw = append(r.pendRaw, raw...)
		r.pending = append(r.pending, recs...)
		return nil, nil
	}

	// a `g` header is an entry of its own; any pending `x` bytes stay
	// pending for the next real entry
	// later records override earlier ones key by key in applyPax, so
	// keys of an earlier `g` not repeated here keep applying
	r.global = append(r.global, recs...)
	h.Size, h.Padding = 0, 0
	h.Raw = raw
	h.Pax = recs
	return &Entry{Header: *h, Body: strings.NewReader("")}, nil
}

func (r *Reader) finishEntry(h *Header, block []byte) (*Entry, error) {
	applyPax(h, r.global)
	applyPax(h, r.pending)
	h.Padding = padding(h.Size)
	h.Pax = r.pending

	h.Raw = append(r.pendRaw, block...)
	r.pendRaw = nil
	r.pending = nil

	r.body = io.LimitReader(r.r, h.Size+h.Padding)
	return &Entry{Header: *h, Body: r.body}, nil
}

// applyPax folds PAX record overrides into the decoded header view.
// Unrecognised keys are preserved in Pax but change nothing here.
func applyPax(h *Header, recs []PaxRecord) {
	for _, rec := range recs {
		v := string(rec.Value)
		switch rec.Key {
		case "path":
			h.Path = v
		case "linkpath":
			h.LinkPath = v
		case "uname":
			h.Uname = v
		case "gname":
			h.Gname = v
		case "size":
			if n, ok := paxInt(v); ok {
				h.Size = n
			}
		case "uid":
			if n, ok := paxInt(v); ok {
				h.UID = n
			}
		case "gid":
			if n, ok := paxInt(v); ok {
				h.GID = n
			}
		case "mtime":
			if n, ok := paxInt(v); ok {
				h.ModTime = n
			}
		}
	}
}

// paxInt parses a PAX decimal value, tolerating the fractional seconds
// PAX timestamps may carry.
func paxInt(s string) (int64, bool) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	var n int64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
