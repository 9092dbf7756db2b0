// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"compress/zlib"
	"io"

	"github.com/luci/luci-go/common/errors"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata"
)

type createOptionData struct {
	compress       bool
	compressLevel  int
	compressedFlag bool

	passphrase PassphraseFunc
	saltBytes  int
	iterations int
}

// CreateOption functions can be supplied to the Create function.
type CreateOption func(*createOptionData)

// WithCompression makes the new archive deflate its body at the given
// zlib level. Android itself uses the default level; re-compressing
// callers usually pick zlib.BestCompression.
func WithCompression(level int) CreateOption {
	return func(o *createOptionData) {
		o.compress = true
		o.compressLevel = level
	}
}

// WithCompressedFlag sets the header's compression flag without
// installing a compressor, for callers passing already-deflated body
// bytes through verbatim.
func WithCompressedFlag(flag bool) CreateOption {
	return func(o *createOptionData) {
		o.compressedFlag = flag
	}
}

// WithEncryption makes the new archive AES-256 encrypted under a fresh
// master key, with the master-key blob locked by the supplied passphrase.
// Zero saltBytes or iterations select the Android defaults.
func WithEncryption(fn PassphraseFunc, saltBytes, iterations int) CreateOption {
	return func(o *createOptionData) {
		o.passphrase = fn
		o.saltBytes = saltBytes
		o.iterations = iterations
	}
}

// Create emits an Android Backup header to dst and returns the sink for
// the archive's TAR bytes, layered the other way around: deflate into
// cipher into dst. Closing the sink finalises the compression and the
// cipher padding; dst itself stays open.
func Create(dst io.Writer, version int, options ...CreateOption) (io.WriteCloser, error) {
	opts := createOptionData{compressLevel: zlib.BestCompression}
	for _, o := range options {
		o(&opts)
	}

	hdr := &abdata.Header{
		Version:    version,
		Compressed: opts.compress || opts.compressedFlag,
	}

	var keys *abdata.MasterKeys
	if opts.passphrase != nil {
		passphrase, err := opts.passphrase()
		if err != nil {
			return nil, errors.Annotate(err).Reason("obtaining output passphrase").Err()
		}
		params, k, err := abdata.NewEncryption(passphrase, opts.saltBytes, opts.iterations)
		if err != nil {
			return nil, err
		}
		hdr.Encryption = params
		keys = k
	}

	if err := abdata.WriteHeader(dst, hdr); err != nil {
		return nil, errors.Annotate(err).Reason("writing header").Err()
	}

	sink := io.Writer(dst)
	var closers []func() error

	if keys != nil {
		enc, err := abdata.NewEncryptWriter(dst, keys)
		if err != nil {
			keys.Zero()
			return nil, err
		}
		sink = enc
		closers = append(closers, enc.Close, func() error {
			keys.Zero()
			return nil
		})
	}

	if opts.compress {
		deflate, err := abdata.CompressionZlib.Writer(sink, opts.compressLevel)
		if err != nil {
			return nil, err
		}
		sink = deflate
		closers = append([]func() error{deflate.Close}, closers...)
	}

	return sinkCloser{sink, closers}, nil
}

type sinkCloser struct {
	io.Writer

	closers []func() error
}

func (s sinkCloser) Close() error {
	var first error
	for _, cls := range s.closers {
		if err := cls(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
