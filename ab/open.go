// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ab implements the operations on whole Android Backup files:
// Open, Create, Rewrap, Split, Merge, and List.
package ab

import (
	"bufio"
	"io"

	"github.com/luci/luci-go/common/errors"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata"
)

// PassphraseFunc supplies a passphrase on demand. It is called at most
// once per archive, and only when the archive actually needs one.
type PassphraseFunc func() ([]byte, error)

// Passphrase wraps a fixed passphrase as a PassphraseFunc.
func Passphrase(p []byte) PassphraseFunc {
	return func() ([]byte, error) { return p, nil }
}

type openOptionData struct {
	passphrase     PassphraseFunc
	ignoreChecksum bool
	rawBody        bool
}

// OpenOption functions can be supplied to the Open function.
type OpenOption func(*openOptionData)

// WithPassphrase supplies the decryption passphrase source.
func WithPassphrase(fn PassphraseFunc) OpenOption {
	return func(o *openOptionData) {
		o.passphrase = fn
	}
}

// WithIgnoreChecksum disables master-key checksum verification, which is
// useful for backups produced by weird Android firmwares.
func WithIgnoreChecksum(val bool) OpenOption {
	return func(o *openOptionData) {
		o.ignoreChecksum = val
	}
}

// WithRawBody makes Body carry the raw (but decrypted) body bytes without
// inflating them, so compressed data can be passed through verbatim.
func WithRawBody(val bool) OpenOption {
	return func(o *openOptionData) {
		o.rawBody = val
	}
}

// Backup is an Android Backup file opened for reading: its parsed header
// and the stream of its TAR bytes, already decrypted and (unless opened
// with WithRawBody) decompressed.
type Backup struct {
	Header *abdata.Header

	// Body is the TAR stream, or the raw body bytes under WithRawBody.
	Body io.ReadCloser

	// RawBody records whether Body skips decompression.
	RawBody bool
}

// Close releases the decryption and decompression state. It does not
// close the reader Open was given.
func (b *Backup) Close() error {
	return b.Body.Close()
}

type bodyCloser struct {
	io.Reader

	closers []func() error
}

func (b bodyCloser) Close() error {
	var first error
	for _, cls := range b.closers {
		if err := cls(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open parses the Android Backup header from src and sets up the layered
// body stream: cipher over src, inflate over cipher, TAR bytes on top.
func Open(src io.Reader, options ...OpenOption) (*Backup, error) {
	opts := openOptionData{}
	for _, o := range options {
		o(&opts)
	}

	br := bufio.NewReaderSize(src, 64*1024)
	hdr, err := abdata.ReadHeader(br)
	if err != nil {
		return nil, err
	}

	body := io.Reader(br)
	var closers []func() error

	if hdr.Encryption != nil {
		if opts.passphrase == nil {
			return nil, errors.New("archive is encrypted and no passphrase was given")
		}
		passphrase, err := opts.passphrase()
		if err != nil {
			return nil, errors.Annotate(err).Reason("obtaining passphrase").Err()
		}
		keys, err := abdata.UnlockMaster(hdr.Encryption, passphrase, opts.ignoreChecksum)
		if err != nil {
			return nil, err
		}
		dec, err := abdata.NewDecryptReader(br, keys)
		if err != nil {
			keys.Zero()
			return nil, err
		}
		body = dec
		closers = append(closers, dec.Close, func() error {
			keys.Zero()
			return nil
		})
	}

	if hdr.Compressed && !opts.rawBody {
		inflate, err := abdata.CompressionZlib.Reader(body)
		if err != nil {
			bodyCloser{closers: closers}.Close()
			return nil, err
		}
		body = inflate
		closers = append([]func() error{inflate.Close}, closers...)
	}

	return &Backup{
		Header:  hdr,
		Body:    bodyCloser{body, closers},
		RawBody: opts.rawBody,
	}, nil
}
