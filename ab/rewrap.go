// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"io"

	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/logging"

	"golang.org/x/net/context"
)

// Rewrap copies the body of an opened backup into a fresh envelope on
// dst, carrying the input's format version. The supplied CreateOptions
// choose the output's compression and encryption; a backup opened with
// WithRawBody streams its raw body bytes and forces the output's
// compression flag to match the input, so nothing is re-deflated.
func Rewrap(ctx context.Context, b *Backup, dst io.Writer, options ...CreateOption) (int64, error) {
	if b.RawBody {
		options = append(options, WithCompressedFlag(b.Header.Compressed))
	}

	sink, err := Create(dst, b.Header.Version, options...)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(sink, b.Body)
	if err != nil {
		return n, errors.Annotate(err).Reason("copying archive body").Err()
	}
	if err := sink.Close(); err != nil {
		return n, errors.Annotate(err).Reason("finalising archive body").Err()
	}

	logging.Debugf(ctx, "rewrapped %d body bytes", n)
	return n, nil
}
