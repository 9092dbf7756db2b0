// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"io"

	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/logging"

	"golang.org/x/net/context"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata/tarstream"
)

// Source opens one merge input. Inputs are opened lazily, in argument
// order, so passphrase prompting happens one file at a time.
type Source func() (*Backup, error)

// Merge concatenates the TAR streams of the given backups into a single
// archive: every input's entries are forwarded in order, the per-input
// terminators are dropped, and one terminator ends the output. The
// output sink is created once the first input reveals the format
// version; all inputs must agree on it.
func Merge(ctx context.Context, sources []Source, newSink func(version int) (io.WriteCloser, error)) error {
	if len(sources) == 0 {
		return errors.New("nothing to merge")
	}

	var tw *tarstream.Writer
	var sink io.WriteCloser
	version := 0

	for i, open := range sources {
		b, err := open()
		if err != nil {
			return err
		}

		if tw == nil {
			version = b.Header.Version
			if sink, err = newSink(version); err != nil {
				b.Close()
				return err
			}
			tw = tarstream.NewWriter(sink)
		} else if b.Header.Version != version {
			b.Close()
			return errors.
				Reason("can't merge Android Backup files with different versions: input %(i)d has version %(got)d, but we are merging into version %(want)d").
				D("i", i).D("got", b.Header.Version).D("want", version).Err()
		}

		logging.Infof(ctx, "merging input %d", i)
		tr := tarstream.NewReader(b.Body)
		for {
			ent, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err == nil {
				err = tw.WriteEntry(ent)
			}
			if err != nil {
				b.Close()
				return errors.Annotate(err).Reason("merging input %(i)d").D("i", i).Err()
			}
		}
		if err := b.Close(); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return sink.Close()
}
